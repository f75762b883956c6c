// ============================================================================
// groombsp CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
//
// Command Structure:
//   groombsp                       # Root command
//   ├── sync-server                # Coordination namespace + barrier coordinator
//   ├── master                     # BSP master
//   ├── groom                      # Groom server
//   ├── local                      # Master, grooms and coordination in one process
//   ├── submit -f job.yaml         # Submit a job (--wait to follow it)
//   ├── status                     # Cluster status
//   ├── job [id]                   # Job status, or all jobs
//   ├── kill <id>                  # Kill a job
//   ├── --config, -c               # Config file (defaults when empty)
//   └── --version
//
// Daemons stop on SIGINT/SIGTERM. A daemon whose coordination session is lost
// exits with an error.
//
// Job files are YAML (or JSON):
//   name: steps
//   kind: supersteps
//   partitions: 4
//   retryable: true
//   input: {supersteps: 10}
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"

	bspv1 "github.com/ChuLiYu/groombsp/api/v1"
	"github.com/ChuLiYu/groombsp/internal/barrier"
	"github.com/ChuLiYu/groombsp/internal/coord"
	"github.com/ChuLiYu/groombsp/internal/groom"
	"github.com/ChuLiYu/groombsp/internal/localcluster"
	"github.com/ChuLiYu/groombsp/internal/master"
	"github.com/ChuLiYu/groombsp/internal/metrics"
	"github.com/ChuLiYu/groombsp/internal/payload"
	"github.com/ChuLiYu/groombsp/internal/server"
	"github.com/ChuLiYu/groombsp/internal/syncserver"
	"github.com/ChuLiYu/groombsp/pkg/clusterstatus"
	"github.com/ChuLiYu/groombsp/pkg/types"
)

// Version is reported by --version.
var Version = "0.3.0"

const (
	clientTimeout = 10 * time.Second
	pollInterval  = 200 * time.Millisecond
)

type app struct {
	configFile string
	masterAddr string
	cfg        *Config
}

func BuildCLI() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "groombsp",
		Short: "groombsp: a BSP cluster of a master and groom servers",
		Long: `groombsp runs bulk synchronous parallel jobs:
- a master places job partitions on groom servers
- tasks advance in supersteps through a shared barrier
- a sync server hosts the coordination namespace`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a.cfg = cfg
			return setupLogging(cfg, cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (built-in defaults when empty)")

	rootCmd.AddCommand(buildSyncServerCommand(a))
	rootCmd.AddCommand(buildMasterCommand(a))
	rootCmd.AddCommand(buildGroomCommand(a))
	rootCmd.AddCommand(buildLocalCommand(a))
	rootCmd.AddCommand(buildSubmitCommand(a))
	rootCmd.AddCommand(buildStatusCommand(a))
	rootCmd.AddCommand(buildJobCommand(a))
	rootCmd.AddCommand(buildKillCommand(a))

	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ignoreCanceled maps a shutdown by cancellation to a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func listenPort(port int) (net.Listener, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return lis, nil
}

// watchSession fails when the coordination session ends before ctx.
func watchSession(ctx context.Context, svc coord.Service) error {
	select {
	case <-ctx.Done():
		return nil
	case <-svc.Done():
		return coord.ErrSessionExpired
	}
}

func runCoordinator(ctx context.Context, svc coord.Service, name string, m *metrics.Collector) error {
	c := barrier.NewCoordinator(svc, name)
	c.OnRelease = func(_ string, rel barrier.Release) {
		m.RecordRelease(rel.Halt, rel.Cancelled)
	}
	return ignoreCanceled(c.Run(ctx))
}

// ============================================================================
// Daemons
// ============================================================================

func buildSyncServerCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "sync-server",
		Short: "Start the sync server",
		Long:  "Serve the coordination namespace and, unless disabled, the barrier coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Sync.Port = port
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.runSyncServer(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", syncserver.DefaultPort, "port to listen on")
	return cmd
}

func (a *app) runSyncServer(ctx context.Context) error {
	sc := a.cfg.SyncConfig()
	reg := prometheus.NewRegistry()
	sc.Metrics = metrics.NewCollector(reg)
	if a.cfg.Metrics.Enabled {
		sc.Handler = metrics.Handler(reg)
	}
	srv, err := syncserver.Init(sc)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- srv.Wait() }()
	select {
	case <-ctx.Done():
	case err = <-done:
	}
	if serr := srv.Stop(); err == nil {
		err = serr
	}
	return err
}

func buildMasterCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Start the BSP master",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Master.Port = port
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.runMaster(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", DefaultMasterPort, "port to listen on")
	return cmd
}

func (a *app) runMaster(ctx context.Context) error {
	cfg := a.cfg
	syncAddr, err := cfg.SyncAddr()
	if err != nil {
		return err
	}
	session, err := coord.Dial(ctx, syncAddr, cfg.Sync.SessionTTL)
	if err != nil {
		return err
	}
	defer session.Close()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	m := master.New(cfg.MasterConfig(), session, master.GrpcDialer(), collector)

	lis, err := listenPort(cfg.Master.Port)
	if err != nil {
		return err
	}
	var handler http.Handler
	if cfg.Metrics.Enabled {
		handler = metrics.Handler(reg)
	}
	srv := server.New(lis, handler)
	bspv1.RegisterMasterServer(srv.GRPC(), server.NewMasterServer(m))

	if err := m.Start(ctx); err != nil {
		lis.Close()
		return fmt.Errorf("failed to start master: %w", err)
	}
	defer m.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error { return watchSession(ctx, session) })
	if cfg.Master.Coordinator {
		g.Go(func() error { return runCoordinator(ctx, session, cfg.MasterAddr(), collector) })
	}
	return g.Wait()
}

func buildGroomCommand(a *app) *cobra.Command {
	var (
		name     string
		port     int
		maxTasks int
	)
	cmd := &cobra.Command{
		Use:   "groom",
		Short: "Start a groom server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("name") {
				a.cfg.Groom.Name = name
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Groom.Port = port
			}
			if cmd.Flags().Changed("max-tasks") {
				a.cfg.Groom.MaxTasks = maxTasks
			}
			if a.masterAddr == "" {
				a.masterAddr = a.cfg.MasterAddr()
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.runGroom(ctx)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "groom name (default: host name)")
	cmd.Flags().IntVar(&port, "port", DefaultGroomPort, "RPC port to listen on")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 2, "number of task slots")
	cmd.Flags().StringVar(&a.masterAddr, "master", "", "master address (default: master.host:master.port)")
	return cmd
}

func (a *app) runGroom(ctx context.Context) error {
	cfg := a.cfg
	syncAddr, err := cfg.SyncAddr()
	if err != nil {
		return err
	}
	session, err := coord.Dial(ctx, syncAddr, cfg.Sync.SessionTTL)
	if err != nil {
		return err
	}
	defer session.Close()

	conn, err := bspv1.Dial(a.masterAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to master: %w", err)
	}
	defer conn.Close()

	id := types.GroomIdentity{
		Name:     cfg.Groom.Name,
		Host:     cfg.Groom.Host,
		RPCPort:  cfg.Groom.Port,
		PeerPort: cfg.Groom.PeerPort,
	}
	g, err := groom.New(groom.Config{
		Identity:          id,
		MaxTasks:          cfg.Groom.MaxTasks,
		HeartbeatInterval: cfg.Master.HeartbeatInterval,
		RPCTimeout:        cfg.Master.RPCTimeout,
	}, groom.NewGrpcMaster(conn), barrier.NewClient(session, cfg.Groom.BarrierTimeout), payload.Builtin())
	if err != nil {
		return err
	}

	lis, err := listenPort(cfg.Groom.Port)
	if err != nil {
		return err
	}
	srv := server.New(lis, nil)
	bspv1.RegisterGroomServer(srv.GRPC(), server.NewGroomServer(g))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Serve(ctx) })
	eg.Go(func() error { return ignoreCanceled(g.Run(ctx)) })
	eg.Go(func() error { return watchSession(ctx, session) })
	return eg.Wait()
}

func buildLocalCommand(a *app) *cobra.Command {
	var (
		grooms, tasks int
		jobFile       string
	)
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run a local cluster in one process",
		Long: `Start a master, grooms and an in-memory coordination namespace in one
process. The master is served on master.port. With --file the job is
submitted, followed to completion and the process exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("grooms") {
				a.cfg.Local.Grooms = grooms
			}
			if cmd.Flags().Changed("tasks-per-groom") {
				a.cfg.Local.TasksPerGroom = tasks
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.runLocal(ctx, cmd.OutOrStdout(), jobFile)
		},
	}
	cmd.Flags().IntVar(&grooms, "grooms", localcluster.DefaultGrooms, "number of grooms")
	cmd.Flags().IntVar(&tasks, "tasks-per-groom", localcluster.DefaultTasksPerGroom, "task slots per groom")
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "job file to run")
	return cmd
}

func (a *app) runLocal(ctx context.Context, out io.Writer, jobFile string) error {
	cfg := a.cfg
	var desc types.JobDescriptor
	if jobFile != "" {
		var err error
		if desc, err = loadJobFile(jobFile); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	c, err := localcluster.Start(ctx, localcluster.Config{
		Grooms:         cfg.Local.Grooms,
		TasksPerGroom:  cfg.Local.TasksPerGroom,
		PeerPortBase:   cfg.Groom.PeerPort,
		BarrierTimeout: cfg.Groom.BarrierTimeout,
		Master:         cfg.MasterConfig(),
		Metrics:        metrics.NewCollector(reg),
	})
	if err != nil {
		return err
	}
	defer c.Stop()

	lis, err := listenPort(cfg.Master.Port)
	if err != nil {
		return err
	}
	var handler http.Handler
	if cfg.Metrics.Enabled {
		handler = metrics.Handler(reg)
	}
	srv := server.New(lis, handler)
	bspv1.RegisterMasterServer(srv.GRPC(), server.NewMasterServer(c.Master()))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return srv.Serve(runCtx) })
	if jobFile == "" {
		fmt.Fprintf(out, "Local cluster with %d grooms serving on %s\n", cfg.Local.Grooms, lis.Addr())
		return g.Wait()
	}

	// Serving stops once the job is done.
	g.Go(func() error {
		defer stop()
		id, err := c.Master().SubmitJob(runCtx, desc)
		if err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}
		fmt.Fprintf(out, "Submitted job %s\n", id)
		st, err := c.WaitJob(runCtx, id)
		if err != nil {
			return err
		}
		printJob(out, st)
		return jobResult(st)
	})
	return g.Wait()
}

// ============================================================================
// Clients
// ============================================================================

func (a *app) client() (*bspv1.MasterClient, *grpc.ClientConn, error) {
	addr := a.masterAddr
	if addr == "" {
		addr = a.cfg.MasterAddr()
	}
	conn, err := bspv1.Dial(addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to master: %w", err)
	}
	return bspv1.NewMasterClient(conn), conn, nil
}

func addMasterFlag(cmd *cobra.Command, a *app) {
	cmd.Flags().StringVar(&a.masterAddr, "master", "", "master address (default: master.host:master.port)")
}

type jobFileSpec struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Partitions int    `yaml:"partitions"`
	Retryable  bool   `yaml:"retryable"`
	Input      any    `yaml:"input"`
}

func loadJobFile(path string) (types.JobDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.JobDescriptor{}, fmt.Errorf("failed to read job file: %w", err)
	}
	var spec jobFileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return types.JobDescriptor{}, fmt.Errorf("failed to parse job file: %w", err)
	}
	desc := types.JobDescriptor{
		Name:       spec.Name,
		Kind:       spec.Kind,
		Partitions: spec.Partitions,
		Retryable:  spec.Retryable,
	}
	if spec.Input != nil {
		if desc.Input, err = json.Marshal(spec.Input); err != nil {
			return types.JobDescriptor{}, fmt.Errorf("failed to encode job input: %w", err)
		}
	}
	return desc, nil
}

func jobResult(st types.JobStatus) error {
	if st.State == types.JobSucceeded {
		return nil
	}
	return fmt.Errorf("job %s %s: %s", st.ID, st.State, st.Reason)
}

func buildSubmitCommand(a *app) *cobra.Command {
	var (
		jobFile string
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job from a YAML or JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := loadJobFile(jobFile)
			if err != nil {
				return err
			}
			client, conn, err := a.client()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			resp, err := client.SubmitJob(ctx, &bspv1.SubmitJobRequest{Descriptor: desc})
			cancel()
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Submitted job %s\n", resp.JobID)
			if !wait {
				return nil
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			st, err := waitJob(ctx, client, resp.JobID)
			if err != nil {
				return err
			}
			printJob(out, *st)
			return jobResult(*st)
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "job file")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.MarkFlagRequired("file")
	addMasterFlag(cmd, a)
	return cmd
}

func waitJob(ctx context.Context, client *bspv1.MasterClient, id types.JobID) (*types.JobStatus, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		st, err := client.JobStatus(ctx, &bspv1.JobRequest{JobID: id})
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildStatusCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cluster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := a.client()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			resp, err := client.ClusterStatus(ctx, &bspv1.Empty{})
			if err != nil {
				return err
			}
			var st clusterstatus.ClusterStatus
			if err := st.UnmarshalBinary(resp.Status); err != nil {
				return fmt.Errorf("decode cluster status: %w", err)
			}
			printCluster(cmd.OutOrStdout(), &st)
			return nil
		},
	}
	addMasterFlag(cmd, a)
	return cmd
}

func buildJobCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job [id]",
		Short: "Show the status of a job, or list all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := a.client()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				st, err := client.JobStatus(ctx, &bspv1.JobRequest{JobID: types.JobID(args[0])})
				if err != nil {
					return err
				}
				printJob(out, *st)
				return nil
			}
			resp, err := client.ListJobs(ctx, &bspv1.Empty{})
			if err != nil {
				return err
			}
			printJobs(out, resp.Jobs)
			return nil
		},
	}
	addMasterFlag(cmd, a)
	return cmd
}

func buildKillCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, conn, err := a.client()
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			if _, err := client.KillJob(ctx, &bspv1.JobRequest{JobID: types.JobID(args[0])}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Killed job %s\n", args[0])
			return nil
		},
	}
	addMasterFlag(cmd, a)
	return cmd
}

// ============================================================================
// Output
// ============================================================================

func printCluster(out io.Writer, st *clusterstatus.ClusterStatus) {
	fmt.Fprintf(out, "Master:  %s\n", st.MasterState)
	fmt.Fprintf(out, "Grooms:  %d\n", len(st.GroomServers))
	fmt.Fprintf(out, "Tasks:   %d/%d\n", st.ActiveTasks, st.MaxTasks)
	if len(st.GroomServers) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRPC\tPEER")
	for _, g := range st.GroomServers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", g.Name, g.RPCAddr(), g.PeerAddr())
	}
	w.Flush()
}

func printJob(out io.Writer, st types.JobStatus) {
	fmt.Fprintf(out, "Job:      %s\n", st.ID)
	if st.Descriptor.Name != "" {
		fmt.Fprintf(out, "Name:     %s\n", st.Descriptor.Name)
	}
	fmt.Fprintf(out, "Kind:     %s\n", st.Descriptor.Kind)
	fmt.Fprintf(out, "State:    %s\n", st.State)
	fmt.Fprintf(out, "Attempt:  %d\n", st.Attempt)
	if st.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", st.Reason)
	}
	if len(st.Tasks) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tGROOM\tSTATE\tSUPERSTEP\tREASON")
	for _, t := range st.Tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", t.Partition, t.Groom, t.State, t.Superstep, t.Reason)
	}
	w.Flush()
}

func printJobs(out io.Writer, jobs []types.JobStatus) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATE\tATTEMPT\tPARTITIONS")
	for _, st := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			st.ID, st.Descriptor.Name, st.Descriptor.Kind, st.State, st.Attempt, st.Descriptor.Partitions)
	}
	w.Flush()
}
