package batch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SlurmOptions configures the Slurm backend.
type SlurmOptions struct {
	// User filters squeue; defaults to $USER.
	User          string
	SubmitTimeout time.Duration
	WaitTimeout   time.Duration
	Run           RunFunc
	Logger        zerolog.Logger
}

// Slurm submits through sbatch and lists jobs through squeue.
type Slurm struct {
	user          string
	submitTimeout time.Duration
	waitTimeout   time.Duration
	run           RunFunc
	logger        zerolog.Logger
}

// NewSlurm builds a Slurm backend.
func NewSlurm(opts SlurmOptions) *Slurm {
	s := &Slurm{
		user:          opts.User,
		submitTimeout: opts.SubmitTimeout,
		waitTimeout:   opts.WaitTimeout,
		run:           opts.Run,
		logger:        opts.Logger,
	}
	if s.user == "" {
		s.user = os.Getenv("USER")
	}
	if s.user == "" {
		if u, err := user.Current(); err == nil {
			s.user = u.Username
		}
	}
	if s.run == nil {
		s.run = Run
	}
	if s.submitTimeout <= 0 {
		s.submitTimeout = time.Minute
	}
	if s.waitTimeout <= 0 {
		s.waitTimeout = 12 * time.Hour
	}
	return s
}

// Submit calls sbatch. In wait mode sbatch blocks until the job ends; a
// non-zero exit after the job was accepted is left for the marker to decide.
func (s *Slurm) Submit(ctx context.Context, job Job) error {
	args := []string{"--parsable"}
	timeout := s.submitTimeout
	if job.Wait {
		args = append(args, "--wait")
		timeout = s.waitTimeout
	}
	args = append(args, job.Script)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := s.run(cctx, Command{Binary: "sbatch", Args: args, Dir: job.Dir})
	if err != nil {
		if job.Wait && cctx.Err() == nil && res != nil && jobID(res.Stdout) != "" {
			s.logger.Warn().Str("job", job.Name).Int("exit", res.ExitCode).Msg("waited job exited non-zero")
			return nil
		}
		return fmt.Errorf("batch: sbatch %s: %w%s", job.Script, err, stderrSuffix(res))
	}
	s.logger.Debug().Str("job", job.Name).Str("id", jobID(res.Stdout)).Bool("wait", job.Wait).Msg("sbatch accepted")
	return nil
}

// ActiveJobNames runs squeue for the configured user.
func (s *Slurm) ActiveJobNames(ctx context.Context) ([]string, error) {
	args := []string{"-h", "-o", "%j"}
	if s.user != "" {
		args = append(args, "-u", s.user)
	}
	res, err := s.run(ctx, Command{Binary: "squeue", Args: args})
	if err != nil {
		return nil, fmt.Errorf("batch: squeue: %w%s", err, stderrSuffix(res))
	}
	return parseLines(res.Stdout), nil
}

// jobID extracts the id from sbatch --parsable output ("id" or "id;cluster").
func jobID(stdout []byte) string {
	lines := parseLines(stdout)
	if len(lines) == 0 {
		return ""
	}
	id, _, _ := strings.Cut(lines[0], ";")
	return id
}

func parseLines(data []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stderrSuffix(res *Result) string {
	if res == nil {
		return ""
	}
	msg := strings.TrimSpace(string(res.Stderr))
	if msg == "" {
		return ""
	}
	return ": " + msg
}
