package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/llm"
	"github.com/BaSui01/agentorch/llm/budget"
	"github.com/BaSui01/agentorch/workflow"
)

// kvFlag 可重复的 key=value 参数
type kvFlag map[string]string

func (f kvFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f kvFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	k = strings.TrimSpace(k)
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[k] = v
	return nil
}

// listFlag 可重复的字符串参数
type listFlag []string

func (f *listFlag) String() string { return strings.Join(*f, ",") }

func (f *listFlag) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("empty value")
	}
	*f = append(*f, s)
	return nil
}

// commandEnv 子命令公共参数解析结果
type commandEnv struct {
	fs         *flag.FlagSet
	configPath *string
	trip       listFlag
}

func newCommand(name string) *commandEnv {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c := &commandEnv{fs: fs, configPath: fs.String("config", "", "Path to config file")}
	fs.Var(&c.trip, "trip", "Open the circuit breaker of a provider for this process (repeatable)")
	return c
}

// open 解析参数、加载配置并组装组件
func (c *commandEnv) open(ctx context.Context, args []string) (*app, error) {
	if err := c.fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(*c.configPath)
	if err != nil {
		return nil, err
	}
	a, err := buildApp(ctx, cfg, initLogger(cfg.Log), appOptions{})
	if err != nil {
		return nil, err
	}
	if err := a.tripProviders(c.trip); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// =============================================================================
// ▶️ run / resume
// =============================================================================

func runRun(args []string) error {
	cmd := newCommand("run")
	template := cmd.fs.String("template", "", "Workflow template name")
	name := cmd.fs.String("name", "", "Workflow name")
	user := cmd.fs.String("user", "cli", "User id used for usage limits")
	noCheckpoints := cmd.fs.Bool("no-checkpoints", false, "Disable checkpoints for this workflow")
	wfCtx := kvFlag{}
	cmd.fs.Var(wfCtx, "context", "Workflow context entry key=value (repeatable)")

	ctx, stop := signalContext()
	defer stop()

	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()
	if *template == "" {
		return fmt.Errorf("--template is required (available: %s)", strings.Join(a.templates.Templates(), ", "))
	}
	if err := a.serveObservability(ctx); err != nil {
		return err
	}
	if _, err := a.engine.Recover(ctx); err != nil {
		a.logger.Warn("recover failed", zap.Error(err))
	}

	req := workflow.StartRequest{Name: *name, Template: *template, UserID: *user, Context: wfCtx}
	if *noCheckpoints {
		off := false
		req.CheckpointEnabled = &off
	}
	wf, err := a.engine.Start(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s started\n", wf.ID)
	return drive(ctx, a.engine, wf.ID, os.Stdin, os.Stdout)
}

func runResume(args []string) error {
	cmd := newCommand("resume")
	id := cmd.fs.String("id", "", "Workflow id")

	ctx, stop := signalContext()
	defer stop()

	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	if err := a.serveObservability(ctx); err != nil {
		return err
	}
	if _, err := a.engine.Recover(ctx); err != nil {
		return err
	}

	wf, err := a.engine.Get(ctx, *id)
	if err != nil {
		return err
	}
	switch wf.Status {
	case workflow.StatusPaused, workflow.StatusRolledBack:
		if err := a.engine.Resume(ctx, *id); err != nil {
			return err
		}
	}
	return drive(ctx, a.engine, *id, os.Stdin, os.Stdout)
}

// drive 等待工作流空闲；遇到提问时从 in 读取一行作为回答，直到工作流不再运行
func drive(ctx context.Context, e *workflow.Engine, id string, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for {
		wf, err := e.Wait(ctx, id)
		if err != nil {
			return err
		}
		if wf.Status != workflow.StatusPausedForElicitation || wf.ElicitationPending == nil {
			printOutcome(out, wf)
			return nil
		}

		fmt.Fprintf(out, "\n[%s asks] %s\n> ", wf.ElicitationPending.AgentID, wf.ElicitationPending.Content)
		line, err := reader.ReadString('\n')
		answer := strings.TrimSpace(line)
		if err != nil && answer == "" {
			fmt.Fprintln(out, "\nno answer given, workflow left paused")
			printOutcome(out, wf)
			return nil
		}
		if err := e.ResumeElicitation(ctx, id, answer, ""); err != nil {
			return err
		}
	}
}

func printOutcome(out io.Writer, wf *workflow.Workflow) {
	fmt.Fprintf(out, "workflow %s: %s (step %d/%d)\n", wf.ID, wf.Status, wf.CurrentStepIndex, len(wf.Sequence))
	for _, a := range wf.Artifacts {
		fmt.Fprintf(out, "  artifact %s (%s)\n", a.Filename, a.AgentID)
	}
	for _, e := range wf.Errors {
		fmt.Fprintf(out, "  %s at step %d (%s): %s\n", e.Type, e.Step, e.AgentID, e.Message)
	}
	if wf.LastError != "" {
		fmt.Fprintf(out, "  last error: %s\n", wf.LastError)
	}
}

// =============================================================================
// 🔍 查询
// =============================================================================

func runStatus(args []string) error {
	cmd := newCommand("status")
	id := cmd.fs.String("id", "", "Workflow id")
	ctx := context.Background()
	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	report, err := a.engine.Status(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, report)
}

func runList(args []string) error {
	cmd := newCommand("list")
	status := cmd.fs.String("status", "", "Comma separated statuses to include")
	user := cmd.fs.String("user", "", "Only workflows of this user")
	template := cmd.fs.String("template", "", "Only workflows of this template")
	limit := cmd.fs.Int("limit", 50, "Maximum number of workflows")
	ctx := context.Background()
	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()

	filter := workflow.ListFilter{UserID: *user, Template: *template, Limit: *limit}
	for _, s := range strings.Split(*status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, workflow.Status(strings.ToUpper(s)))
		}
	}
	list, err := a.engine.List(ctx, filter)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, list)
}

func runCheckpoints(args []string) error {
	cmd := newCommand("checkpoints")
	id := cmd.fs.String("id", "", "Workflow id")
	ctx := context.Background()
	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	list, err := a.engine.Checkpoints().ListDurable(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, list)
}

func runRollback(args []string) error {
	cmd := newCommand("rollback")
	id := cmd.fs.String("id", "", "Workflow id")
	cpID := cmd.fs.String("checkpoint", "", "Checkpoint id")
	ctx := context.Background()
	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()
	if *id == "" || *cpID == "" {
		return fmt.Errorf("--id and --checkpoint are required")
	}
	cp, err := a.engine.Rollback(ctx, *id, *cpID)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s rolled back to %s (%s); run `agentorch resume --id %s` to continue\n", *id, cp.ID, cp.Type, *id)
	return nil
}

func runSweep(args []string) error {
	cmd := newCommand("sweep")
	ctx := context.Background()
	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()
	res, err := a.sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, res)
}

// providersReport provider 熔断状态与窗口内用量
type providersReport struct {
	Providers []llm.ProviderStatus `json:"providers"`
	Usage     budget.GlobalStats   `json:"usage"`
}

func runProviders(args []string) error {
	cmd := newCommand("providers")
	ctx := context.Background()
	a, err := cmd.open(ctx, args)
	if err != nil {
		return err
	}
	defer a.close()
	return printJSON(os.Stdout, a.providersReport())
}

func runTemplates(args []string) error {
	fs := flag.NewFlagSet("templates", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	return listTemplates(os.Stdout, cfg.Templates)
}

func listTemplates(out io.Writer, cfg config.TemplatesConfig) error {
	p, err := loadTemplates(cfg)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, name := range p.Templates() {
		steps, err := p.GetSequence(ctx, name)
		if err != nil {
			return err
		}
		agents := make([]string, 0, len(steps))
		for _, s := range steps {
			agents = append(agents, s.AgentID)
		}
		fmt.Fprintf(out, "%s: %s\n", name, strings.Join(agents, " -> "))
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
