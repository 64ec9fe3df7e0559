package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/autodev-orchestrator/internal/batch"
	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
	"github.com/hochfrequenz/autodev-orchestrator/internal/events"
	"github.com/hochfrequenz/autodev-orchestrator/internal/inbox"
	"github.com/hochfrequenz/autodev-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/autodev-orchestrator/internal/runstore"
	"github.com/hochfrequenz/autodev-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/autodev-orchestrator/web/api"
)

var (
	runFile       string
	runProject    string
	runMode       string
	runDir        string
	runMaxHealing int
	runDetach     bool

	listProject string
	listState   string
	listAll     bool
	listLimit   int

	logsLevel string
	logsAfter int

	servePort   int
	recoverRun  bool
	shutdownMax time.Duration
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run [REQUIREMENT]",
		Short: "Start a run for a requirement and follow it",
		Long: `Start a run for a requirement given as argument or read from a markdown
file with optional YAML frontmatter. Ctrl-C pauses the run; continue it with
autodev resume.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runRun,
	}
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "read the requirement from a markdown file")
	runCmd.Flags().StringVar(&runProject, "project", "", "project ID")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode: sequential or parallel")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory for the generated project")
	runCmd.Flags().IntVar(&runMaxHealing, "max-healing", -1, "maximum healing attempts (default from config)")
	rootCmd.AddCommand(runCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume RUN",
		Short: "Resume a paused run and follow it",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listProject, "project", "", "filter by project")
	listCmd.Flags().StringVar(&listState, "state", "", "filter by state")
	listCmd.Flags().BoolVar(&listAll, "all", false, "include archived runs")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status RUN",
		Short: "Show a run with its tasks and build attempts",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs RUN",
		Short: "Print the structured log of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "only entries of this level")
	logsCmd.Flags().IntVar(&logsAfter, "after", -1, "only entries after this sequence number")
	rootCmd.AddCommand(logsCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel RUN",
		Short: "Cancel a paused or idle run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	archiveCmd := &cobra.Command{
		Use:   "archive RUN...",
		Short: "Archive finished runs so they drop out of listings",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runArchive,
	}
	rootCmd.AddCommand(archiveCmd)

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Pause runs left active by a stopped process",
		RunE:  runRecover,
	}
	recoverCmd.Flags().BoolVar(&recoverRun, "resume", false, "resume the recovered runs and follow them")
	rootCmd.AddCommand(recoverCmd)

	schedulesCmd := &cobra.Command{
		Use:   "schedules",
		Short: "List configured schedules and their next fire time",
		RunE:  runSchedules,
	}
	rootCmd.AddCommand(schedulesCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the API and event feed, watch the inbox and fire schedules",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().DurationVar(&shutdownMax, "shutdown-timeout", 30*time.Second, "how long to wait for runs to pause on shutdown")
	rootCmd.AddCommand(serveCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	var req pipeline.StartRequest
	switch {
	case runFile != "":
		content, err := os.ReadFile(runFile)
		if err != nil {
			return err
		}
		if req, err = inbox.ParseRequirement(runFile, content); err != nil {
			return err
		}
	case len(args) == 1:
		req.Requirement = args[0]
	default:
		return errors.New("give a requirement or --file")
	}
	if runProject != "" {
		req.ProjectID = runProject
	}
	if runMode != "" {
		req.Mode = domain.ExecutionMode(runMode)
	}
	if runDir != "" {
		req.WorkingDir = runDir
	}
	if runMaxHealing >= 0 {
		req.MaxHealingAttempts = &runMaxHealing
	}
	if req.ProjectID == "" {
		req.ProjectID = "default"
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	run, err := a.manager.Start(req)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started (%s mode)\n", run.ID, run.Mode)
	return follow(a, run.ID)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	run, err := a.manager.Resume(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Run %s resuming at phase %s\n", run.ID, run.ResumePhase())
	return follow(a, run.ID)
}

// follow prints the run's log events until its controller stops
func follow(a *app, runID string) error {
	feed, cancel := a.hub.Subscribe(512, events.ForRun(runID))
	defer cancel()

	done := make(chan *domain.PipelineRun, 1)
	go func() {
		final, err := a.manager.Wait(context.Background(), runID)
		if err != nil {
			a.logger.Warn("waiting for run", "error", err)
		}
		done <- final
	}()

	for {
		select {
		case e, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			printEvent(e)
		case final := <-done:
			if final == nil {
				return nil
			}
			fmt.Printf("\nRun %s: %s\n", final.ID, final.State)
			if final.Summary != "" {
				fmt.Println(final.Summary)
			}
			if final.State == domain.RunPaused {
				fmt.Printf("Resume with: autodev resume %s\n", final.ID)
			}
			if final.State == domain.RunFailed {
				return fmt.Errorf("run failed")
			}
			return nil
		}
	}
}

func printEvent(e events.Event) {
	switch e.Kind {
	case events.KindRunLog:
		fmt.Printf("%s [%s] %s\n", e.Timestamp.Format("15:04:05"), e.Level, e.Message)
	case events.KindAgentUpdate:
		fmt.Printf("%s   agent %s: %s %s\n", e.Timestamp.Format("15:04:05"), shortID(e.AgentID), e.State, e.Message)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListOptions{
		ProjectID:       listProject,
		State:           domain.RunState(listState),
		IncludeArchived: listAll,
		Limit:           listLimit,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATE\tPHASE\tTASKS\tBUILDS\tCOST\tCREATED")
	for _, r := range runs {
		counts := r.TaskCounts()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t$%.2f\t%s\n",
			r.ID, r.ProjectID, r.State, r.Phase,
			counts[domain.TaskCompleted], len(r.Tasks), len(r.BuildAttempts),
			r.TotalUsage().CostUSD, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(args[0])
	if err != nil {
		return err
	}

	usage := r.TotalUsage()
	fmt.Printf("Run:       %s\n", r.ID)
	fmt.Printf("Project:   %s\n", r.ProjectID)
	fmt.Printf("State:     %s (phase %s)\n", r.State, r.Phase)
	fmt.Printf("Mode:      %s\n", r.Mode)
	fmt.Printf("Healing:   %d/%d\n", r.HealingAttempts, r.MaxHealingAttempts)
	fmt.Printf("Usage:     %d tokens, $%.4f\n", usage.Total(), usage.CostUSD)
	if r.CanResume() {
		fmt.Printf("Resumable: yes, at phase %s\n", r.ResumePhase())
	}
	if r.Summary != "" {
		fmt.Printf("\n%s\n", r.Summary)
	}

	if len(r.Tasks) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tTASK\tDEPARTMENT\tSTATUS\tFILES\tERROR")
		tasks, err := scheduler.TopologicalSort(r.Tasks)
		if err != nil {
			tasks = r.Tasks
		}
		for _, t := range tasks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", t.Order, t.Title, t.Department, t.Status,
				len(t.CreatedFiles)+len(t.ModifiedFiles), t.Error)
		}
		w.Flush()
	}

	for _, b := range r.BuildAttempts {
		result := "ok"
		if !b.Success {
			result = fmt.Sprintf("failed (exit %d, %d errors)", b.ExitCode, b.ErrorCount())
		}
		healing := ""
		if b.IsHealingAttempt {
			healing = " after healing"
		}
		fmt.Printf("Build %d%s: %s\n", b.Number, healing, result)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetRun(args[0]); err != nil {
		return err
	}
	records, err := store.ListLogs(args[0], runstore.LogOptions{AfterSeq: logsAfter, Level: domain.LogLevel(logsLevel)})
	if err != nil {
		return err
	}
	for _, rec := range records {
		task := ""
		if rec.TaskID != "" {
			task = " task=" + shortID(rec.TaskID)
		}
		fmt.Printf("%4d %s %-5s phase=%d%s %s\n", rec.Seq, rec.Timestamp.Format(time.RFC3339), rec.Level, rec.Phase, task, rec.Message)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.manager.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("Run %s cancelled\n", args[0])
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var failed []string
	for _, id := range args {
		if err := store.ArchiveRun(id); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			failed = append(failed, id)
			continue
		}
		fmt.Printf("Archived %s\n", id)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d runs not archived", len(failed))
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	paused, err := a.manager.RecoverOnStartup()
	if err != nil {
		return err
	}
	if len(paused) == 0 {
		fmt.Println("No interrupted runs")
		return nil
	}
	for _, r := range paused {
		fmt.Printf("Paused %s (%s), resumes at phase %s\n", r.ID, r.ProjectID, r.ResumePhase())
	}
	if !recoverRun {
		return nil
	}

	for _, r := range paused {
		if _, err := a.manager.Resume(r.ID); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", r.ID, err)
			continue
		}
		if err := follow(a, r.ID); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", r.ID, err)
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownMax)
		defer cancel()
		a.close(shutdownCtx)
	}()

	paused, err := a.manager.RecoverOnStartup()
	if err != nil {
		return err
	}
	for _, r := range paused {
		a.logger.Info("interrupted run paused", "run", r.ID, "resume_phase", r.ResumePhase())
	}

	g, gctx := errgroup.WithContext(ctx)

	opts := api.Options{Logs: a.store, Metrics: a.metrics.Handler(), Logger: a.logger}
	if len(cfg.Schedules) > 0 {
		sched, err := batch.NewScheduler(a.manager, batch.FromConfig(cfg.Schedules), a.logger)
		if err != nil {
			return err
		}
		opts.Schedules = sched
		g.Go(func() error { return sched.Run(gctx) })
	}

	if cfg.Inbox.Dir != "" {
		watcher, err := inbox.New(cfg.Inbox.Dir, cfg.Inbox.Pattern, a.manager, inbox.WithLogger(a.logger))
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	port := cfg.Web.Port
	if servePort > 0 {
		port = servePort
	}
	addr := net.JoinHostPort(cfg.Web.Host, strconv.Itoa(port))
	server := api.NewServer(a.manager, a.hub, addr, opts)
	g.Go(func() error { return server.Run(gctx) })

	fmt.Printf("autodev serving on http://%s (events: /api/events, /api/ws)\n", addr)
	err = g.Wait()
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if active := a.manager.Active(); len(active) > 0 {
		a.logger.Info("pausing active runs", "runs", strings.Join(active, ", "))
	}
	return nil
}

func runSchedules(cmd *cobra.Command, args []string) error {
	if len(cfg.Schedules) == 0 {
		fmt.Println("No schedules configured")
		return nil
	}
	// never started, so the launcher is not needed
	sched, err := batch.NewScheduler(nil, batch.FromConfig(cfg.Schedules), slog.Default())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tNEXT")
	for _, s := range sched.List() {
		next := "-"
		if !s.Next.IsZero() {
			next = s.Next.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Cron, next)
	}
	return w.Flush()
}
