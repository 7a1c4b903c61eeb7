package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/types"
	"github.com/BaSui01/agentorch/workflow"
)

const manifestFile = "manifest.json"

var _ workflow.ArtifactSink = (*FileSink)(nil)

// Entry 清单中的一条产物记录
type Entry struct {
	ID         string    `json:"id,omitempty"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	AgentID    string    `json:"agent_id,omitempty"`
	Step       int       `json:"step"`
	Size       int64     `json:"size"`
	Checksum   string    `json:"checksum"`
	ExportedAt time.Time `json:"exported_at"`
}

// Manifest 一个工作流的导出清单
type Manifest struct {
	WorkflowID string    `json:"workflow_id"`
	Entries    []Entry   `json:"entries"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileSink 基于本地文件系统的产物导出
type FileSink struct {
	basePath string
	mu       sync.Mutex
	logger   *zap.Logger
	now      func() time.Time
}

// NewFileSink 创建导出目录并返回 FileSink
func NewFileSink(basePath string, logger *zap.Logger) (*FileSink, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, types.NewValidationError("artifact directory is empty")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{
		basePath: basePath,
		logger:   logger.With(zap.String("component", "artifact_sink")),
		now:      time.Now,
	}, nil
}

// Export 实现 workflow.ArtifactSink
func (s *FileSink) Export(_ context.Context, workflowID string, artifacts []workflow.Artifact) error {
	dirName := sanitizeName(workflowID)
	if dirName == "" {
		return types.NewValidationError("workflow id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.basePath, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workflow dir: %w", err)
	}

	manifest, err := readManifest(dir)
	if err != nil {
		return err
	}
	manifest.WorkflowID = workflowID

	byName := make(map[string]int, len(manifest.Entries))
	for i, e := range manifest.Entries {
		byName[e.Filename] = i
	}

	now := s.now().UTC()
	var errs []error
	for _, a := range artifacts {
		name := sanitizeName(a.Filename)
		if name == "" {
			name = fmt.Sprintf("%02d-%s.md", a.Step+1, sanitizeName(a.AgentID))
		}
		data := []byte(a.Content)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", name, err))
			continue
		}
		sum := sha256.Sum256(data)
		entry := Entry{
			ID:         a.ID,
			Filename:   name,
			Path:       path,
			AgentID:    a.AgentID,
			Step:       a.Step,
			Size:       int64(len(data)),
			Checksum:   hex.EncodeToString(sum[:]),
			ExportedAt: now,
		}
		if i, ok := byName[name]; ok {
			manifest.Entries[i] = entry
		} else {
			byName[name] = len(manifest.Entries)
			manifest.Entries = append(manifest.Entries, entry)
		}
	}

	sort.SliceStable(manifest.Entries, func(i, j int) bool {
		return manifest.Entries[i].Step < manifest.Entries[j].Step
	})
	manifest.UpdatedAt = now
	if err := writeManifest(dir, manifest); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("artifacts exported",
		zap.String("workflow_id", workflowID),
		zap.Int("count", len(artifacts)),
		zap.String("dir", dir))
	return errors.Join(errs...)
}

// Manifest 读取某工作流的导出清单，未导出过时返回 NotFound
func (s *FileSink) Manifest(workflowID string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.basePath, sanitizeName(workflowID))
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); os.IsNotExist(err) {
		return nil, types.NewNotFoundError("no artifacts exported for workflow %s", workflowID)
	}
	return readManifest(dir)
}

// Read 读取已导出的产物内容
func (s *FileSink) Read(workflowID, filename string) ([]byte, error) {
	path := filepath.Join(s.basePath, sanitizeName(workflowID), sanitizeName(filename))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, types.NewNotFoundError("artifact %s not found for workflow %s", filename, workflowID)
	}
	return data, err
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if os.IsNotExist(err) {
		return &Manifest{Entries: []Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, manifestFile))
}

// sanitizeName 只保留文件名部分，替换路径分隔符与控制字符
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == manifestFile || name == manifestFile+".tmp" {
		name = "_" + name
	}
	return name
}
