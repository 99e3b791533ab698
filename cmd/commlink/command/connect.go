package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"commlink/internal/client"
	"commlink/internal/connection"
	"commlink/internal/protocol"

	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open an interactive session with a commlink server",
	Long: `Connect dials the server, completes the handshake and then reads stdin.
Each line is "request [param ...]" with whitespace separated params; a param is
parsed as JSON when possible and sent as a string otherwise. Every received message is printed as a JSON line.`,
	Example: `  commlink connect --addr localhost:8080 --magic s3cret
  echo 'ping 1 "two" {"three":3} four' | commlink connect --await`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cfg.ClientOptions(commandLogger())
		addr := cfg.ServerAddr
		if v, _ := cmd.Flags().GetString("addr"); v != "" {
			addr = v
		}
		if v, _ := cmd.Flags().GetString("magic"); v != "" {
			opts.Magic = v
		}
		if v, _ := cmd.Flags().GetString("username"); v != "" {
			opts.Username = v
		}
		if v, _ := cmd.Flags().GetString("password"); v != "" {
			opts.Password = v
		}
		await, _ := cmd.Flags().GetBool("await")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runSession(ctx, addr, opts, cmd.InOrStdin(), cmd.OutOrStdout(), await, timeout)
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().StringP("addr", "a", "", "server address (default $COMMLINK_ADDR)")
	connectCmd.Flags().StringP("magic", "m", "", "magic value (default $COMMLINK_MAGIC)")
	connectCmd.Flags().StringP("username", "u", "", "username (default $COMMLINK_USERNAME)")
	connectCmd.Flags().StringP("password", "p", "", "password or token (default $COMMLINK_PASSWORD)")
	connectCmd.Flags().Bool("await", false, "wait for the reply to each line before reading the next")
	connectCmd.Flags().Duration("timeout", 10*time.Second, "handshake and reply timeout")
}

func runSession(ctx context.Context, addr string, opts client.Options, in io.Reader, out io.Writer, await bool, timeout time.Duration) error {
	c, err := client.Dial(ctx, addr, opts)
	if err != nil {
		return err
	}
	defer func() {
		c.Disconnect()
		c.Wait()
	}()

	printer := &linePrinter{out: out}
	if !await {
		c.OnMessageReceived(func(msg *protocol.Message, _ *connection.Connection) {
			printer.print(msg)
		})
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	err = c.WaitAccepted(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	fmt.Fprintf(out, "# connected to %s\n", addr)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), protocol.MaxMessageSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Connection().Context().Done():
			if err := c.Err(); err != nil && !errors.Is(err, protocol.ErrConnectionClosed) {
				return err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, err := parseLine(line)
			if err != nil {
				fmt.Fprintf(out, "# %v\n", err)
				continue
			}
			if msg == nil {
				continue
			}
			if await {
				reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
				reply, err := c.Request(reqCtx, msg)
				reqCancel()
				if err != nil {
					fmt.Fprintf(out, "# %v\n", err)
					continue
				}
				printer.print(reply)
				continue
			}
			if err := c.SendMessage(msg); err != nil {
				fmt.Fprintf(out, "# %v\n", err)
			}
		}
	}
}

// parseLine turns `request [param ...]` into a message. Blank lines and
// lines starting with # yield nil.
func parseLine(line string) (*protocol.Message, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}

	fields := strings.Fields(line)
	request := fields[0]
	params := make([]any, 0, len(fields)-1)
	for _, field := range fields[1:] {
		var v any
		if err := json.Unmarshal([]byte(field), &v); err != nil {
			v = field
		}
		params = append(params, v)
	}

	if protocol.IsReserved(request) {
		return nil, fmt.Errorf("%q is a reserved request", request)
	}
	return protocol.New(request, params...), nil
}

type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *linePrinter) print(msg *protocol.Message) {
	record, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.out.Write(record)
}
