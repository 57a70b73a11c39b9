package renderproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// StartProcess starts a worker process running name with args and
// returns a client talking to it over the process's standard input and
// output. The process should call [ServeStream] with a connection over
// its standard streams, see cmd/gssv's worker subcommand. Standard error
// is inherited.
func StartProcess(ctx context.Context, cfg ClientConfig, name string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting render worker: %w", err)
	}
	c := NewClient(NewStream(stdout, stdin), cfg)
	c.wait = cmd.Wait
	return c, nil
}

// StdioConn returns a connection over the standard streams of a worker process.
func StdioConn() Conn {
	return NewStream(os.Stdin, nopWriteCloser{os.Stdout})
}

// nopWriteCloser keeps the process's stdout open after the connection closes.
type nopWriteCloser struct{ io.Writer }
