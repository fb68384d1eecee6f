package internal

import (
	"io"
	"log/slog"
	"os"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	logger *slog.Logger
	out    io.Writer
}

func newApplication(opts []Option) *application {
	app := &application{out: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	return app
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger replaces the JSON logger built from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// WithOutput sets where command results are written.
func WithOutput(w io.Writer) Option {
	return func(a *application) {
		a.out = w
	}
}
