package renderproc

import (
	"log/slog"
	"strings"
)

// logWriter sends every write as a LogM message. slog's text handler
// writes one record per call.
type logWriter struct {
	conn Conn
}

func (w logWriter) Write(p []byte) (int, error) {
	text := strings.TrimSuffix(string(p), "\n")
	if err := w.conn.Send(Message{Op: OpLogMessage, Args: []any{text}}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// newForwardLogger returns a logger whose records are sent to the client as LogM messages.
func newForwardLogger(conn Conn, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(logWriter{conn: conn}, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{} // The client adds its own timestamps.
			}
			return a
		},
	}).WithAttrs([]slog.Attr{slog.String("src", "worker")}))
}
