package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/courier/internal/envelope"
	"github.com/rzbill/courier/internal/retry"
	"github.com/rzbill/courier/internal/runtime"
	"github.com/rzbill/courier/internal/transport"
	"github.com/rzbill/courier/internal/worker"
	"github.com/rzbill/courier/pkg/log"
)

// Exit codes of --exec commands with a retry meaning (sysexits.h).
const (
	ExitDataErr  = 65 // EX_DATAERR: never retried
	ExitTempFail = 75 // EX_TEMPFAIL: always retried
)

func newConsumeCommand(a *app) *cobra.Command {
	var (
		execCmd     string
		limit       int
		keepalive   time.Duration
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "consume <transport>...",
		Short: "Consume messages, earlier transports first",
		Long: "Consume messages from the given transports. Without --exec each message is printed as a JSON line. " +
			"With --exec the command runs through sh with the body on stdin; exit code 75 retries the message " +
			"regardless of the retry policy, 65 drops it, any other failure follows the transport's retry policy.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var handler worker.Handler = printHandler{out: cmd.OutOrStdout()}
			if execCmd != "" {
				handler = execHandler{command: execCmd, stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
			}
			var opts []worker.Option
			if cmd.Flags().Changed("limit") {
				opts = append(opts, worker.WithMessageLimit(limit))
			}
			if cmd.Flags().Changed("keepalive") {
				opts = append(opts, worker.WithKeepaliveInterval(keepalive))
			}
			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}
			return a.withRuntime(cmd, func(rt *runtime.Runtime) error {
				w, err := rt.NewWorker(args, handler, opts...)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return consume(ctx, w, metricsAddr, a.logger)
			})
		},
	}
	cmd.Flags().StringVar(&execCmd, "exec", "", "Command handling each message (body on stdin)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many messages (0 = no limit)")
	cmd.Flags().DurationVar(&keepalive, "keepalive", 0, "Keepalive interval while a message is handled (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus /metrics on this address (overrides config)")
	return cmd
}

// consume runs the worker and, when addr is set, the metrics server until
// the worker stops.
func consume(ctx context.Context, w *worker.Worker, addr string, logger log.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return w.Run(gctx)
	})
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", log.Str("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// printHandler writes each message as a JSON line.
type printHandler struct {
	out io.Writer
}

func (h printHandler) Handle(_ context.Context, env envelope.Envelope) error {
	line := map[string]any{"retry_count": envelope.RetryCount(env)}
	if s, ok := envelope.Last[envelope.ReceivedStamp](env); ok {
		line["transport"] = s.TransportName
	}
	if s, ok := envelope.Last[envelope.TransportMessageIDStamp](env); ok {
		line["id"] = s.ID
	}
	body := messageBody(env)
	// JSON bodies are embedded as JSON, anything else as a string
	if len(body) > 0 && (body[0] == '{' || body[0] == '[') && json.Valid([]byte(body)) {
		line["body_json"] = json.RawMessage(body)
	} else {
		line["body"] = body
	}
	b, err := json.Marshal(line)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	_, err = fmt.Fprintln(h.out, string(b))
	return err
}

// execHandler runs a shell command per message.
type execHandler struct {
	command string
	stdout  io.Writer
	stderr  io.Writer
}

func (h execHandler) Handle(ctx context.Context, env envelope.Envelope) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", h.command)
	cmd.Stdin = strings.NewReader(messageBody(env))
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr
	cmd.Env = append(os.Environ(), "COURIER_RETRY_COUNT="+strconv.Itoa(envelope.RetryCount(env)))
	if s, ok := envelope.Last[envelope.ReceivedStamp](env); ok {
		cmd.Env = append(cmd.Env, "COURIER_TRANSPORT="+s.TransportName)
	}
	if s, ok := envelope.Last[envelope.TransportMessageIDStamp](env); ok {
		cmd.Env = append(cmd.Env, "COURIER_MESSAGE_ID="+s.ID)
	}
	return classifyExit(cmd.Run())
}

// classifyExit maps the sysexits codes with a retry meaning to retry errors.
func classifyExit(err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	switch exitErr.ExitCode() {
	case ExitTempFail:
		return retry.Recoverable(err)
	case ExitDataErr:
		return retry.Unrecoverable(err)
	}
	return err
}

func messageBody(env envelope.Envelope) string {
	switch m := env.Message().(type) {
	case transport.RawMessage:
		return m.Body
	case *transport.RawMessage:
		return m.Body
	case nil:
		return ""
	}
	b, err := json.Marshal(env.Message())
	if err != nil {
		return fmt.Sprint(env.Message())
	}
	return string(b)
}
