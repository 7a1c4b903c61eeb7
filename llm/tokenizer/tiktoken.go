package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const defaultEncoding = "cl100k_base"

// 模型前缀到编码的映射，较长的前缀在前.
var encodingPrefixes = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
}

// EncodingForModel 返回模型对应的 tiktoken 编码.
func EncodingForModel(model string) string {
	for _, p := range encodingPrefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.encoding
		}
	}
	return defaultEncoding
}

// TiktokenCounter 使用 tiktoken 计数.
// 编码在首次使用时加载（可能需要下载 BPE 数据），加载失败后固定使用估算器.
type TiktokenCounter struct {
	encoding string
	fallback Counter
	logger   *zap.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenCounter 为模型创建计数器.
func NewTiktokenCounter(model string, logger *zap.Logger) *TiktokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{
		encoding: EncodingForModel(model),
		fallback: NewEstimator(),
		logger:   logger.With(zap.String("component", "tokenizer")),
	}
}

func (t *TiktokenCounter) load() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.logger.Warn("tiktoken encoding unavailable, using estimator",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.enc
}

// Count 返回 token 数.
func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	enc := t.load()
	if enc == nil {
		return t.fallback.Count(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// Name 返回名称.
func (t *TiktokenCounter) Name() string {
	if t.load() == nil {
		return t.fallback.Name()
	}
	return "tiktoken[" + t.encoding + "]"
}
