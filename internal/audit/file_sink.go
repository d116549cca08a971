package audit

import (
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends one JSON line per entry to a rotated log file. This is
// the default sink.
type FileSink struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
}

// FileSinkConfig mirrors the rotation knobs a host is expected to tune for
// its retention policy.
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileSink opens (creating if necessary) a rotated audit log at
// cfg.Path.
func NewFileSink(cfg FileSinkConfig) *FileSink {
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	return &FileSink{
		logger: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

func (s *FileSink) Write(e Entry) error {
	b, err := marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b = append(b, '\n')
	if _, err := s.logger.Write(b); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	return s.logger.Close()
}
