// Package runlog keeps the output of resume commands on disk. Every run gets
// a directory named after its id, and every resume attempt a stdout/stderr
// file pair named after the moment it started:
//
//	<dir>/<run id>/<stamp>.stdout.log
//	<dir>/<run id>/<stamp>.stderr.log
//
// Retention works on attempts, never on single files, and orders them by
// their stamp rather than by file modification time.
package runlog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	stdoutSuffix = ".stdout.log"
	stderrSuffix = ".stderr.log"
	stampLayout  = "20060102T150405.000000000Z"
)

var (
	// ErrNoOutput is returned when a run has no recorded resume attempt.
	ErrNoOutput = errors.New("no resume output recorded")
	// ErrInvalidRunID is returned for ids that cannot name a directory.
	ErrInvalidRunID = errors.New("invalid run id for log directory")
)

// Options configures an Archive. Zero limits disable the matching rule.
type Options struct {
	Dir               string
	MaxBytesPerStream int64
	RetentionDays     int
	MaxTotalBytes     int64
	// KeepPerRun caps the attempts kept for one run, newest first.
	KeepPerRun int
}

// Archive stores and prunes resume output.
type Archive struct {
	opts Options
	now  func() time.Time
	// mu serializes Prune against Open so a pruned directory is not
	// removed under a new attempt.
	mu sync.Mutex
}

// New creates an Archive rooted at opts.Dir.
func New(opts Options) *Archive {
	return &Archive{opts: opts, now: time.Now}
}

// Dir returns the archive root.
func (a *Archive) Dir() string {
	return a.opts.Dir
}

// Attempt is one recorded resume of a run.
type Attempt struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Bytes     int64     `json:"bytes"`
}

func (at Attempt) stamp() string {
	return at.StartedAt.UTC().Format(stampLayout)
}

func (a *Archive) runDir(runID string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", errors.Wrapf(ErrInvalidRunID, "%q", runID)
	}
	return filepath.Join(a.opts.Dir, runID), nil
}

func (a *Archive) paths(at Attempt) (string, string, error) {
	dir, err := a.runDir(at.RunID)
	if err != nil {
		return "", "", err
	}
	base := filepath.Join(dir, at.stamp())
	return base + stdoutSuffix, base + stderrSuffix, nil
}

// Open creates the file pair for a resume attempt starting at startedAt.
func (a *Archive) Open(runID string, startedAt time.Time) (*Capture, error) {
	at := Attempt{RunID: runID, StartedAt: startedAt.UTC()}
	stdoutPath, stderrPath, err := a.paths(at)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(stdoutPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log directory for run %s", runID)
	}
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return nil, errors.Wrap(err, "create stdout log")
	}
	stderr, err := os.Create(stderrPath)
	if err != nil {
		_ = stdout.Close()
		return nil, errors.Wrap(err, "create stderr log")
	}

	return &Capture{
		Attempt: at,
		Stdout:  newStream(stdout, a.opts.MaxBytesPerStream),
		Stderr:  newStream(stderr, a.opts.MaxBytesPerStream),
	}, nil
}

// Attempts lists the recorded attempts of a run, oldest first.
func (a *Archive) Attempts(runID string) ([]Attempt, error) {
	dir, err := a.runDir(runID)
	if err != nil {
		return nil, err
	}
	attempts, err := scanRun(dir, runID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return attempts, err
}

// Output is the persisted output of one attempt.
type Output struct {
	Attempt
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Latest reads the newest attempt of a run. It returns ErrNoOutput when the
// run has none.
func (a *Archive) Latest(runID string) (*Output, error) {
	attempts, err := a.Attempts(runID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, errors.Wrapf(ErrNoOutput, "run %s", runID)
	}

	out := &Output{Attempt: attempts[len(attempts)-1]}
	stdoutPath, stderrPath, _ := a.paths(out.Attempt)
	if out.Stdout, err = readOptional(stdoutPath); err != nil {
		return nil, err
	}
	if out.Stderr, err = readOptional(stderrPath); err != nil {
		return nil, err
	}
	return out, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "read %s", filepath.Base(path))
	}
	return string(data), nil
}

// scanRun groups a run directory's files into attempts by stamp.
func scanRun(dir, runID string) ([]Attempt, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byStamp := make(map[string]*Attempt)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		stamp, ok := strings.CutSuffix(e.Name(), stdoutSuffix)
		if !ok {
			if stamp, ok = strings.CutSuffix(e.Name(), stderrSuffix); !ok {
				continue
			}
		}
		started, err := time.Parse(stampLayout, stamp)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		at, seen := byStamp[stamp]
		if !seen {
			at = &Attempt{RunID: runID, StartedAt: started}
			byStamp[stamp] = at
		}
		at.Bytes += info.Size()
	}

	attempts := make([]Attempt, 0, len(byStamp))
	for _, at := range byStamp {
		attempts = append(attempts, *at)
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].StartedAt.Before(attempts[j].StartedAt) })
	return attempts, nil
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Attempts int `json:"attempts"`
	Runs     int `json:"runs"`
}

// Prune applies retention: attempts older than RetentionDays go first, then
// attempts beyond KeepPerRun for each run, then the oldest attempts across
// all runs until the archive fits MaxTotalBytes. Run directories left empty
// are removed.
func (a *Archive) Prune(ctx context.Context) (PruneResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var res PruneResult
	entries, err := os.ReadDir(a.opts.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, errors.Wrap(err, "read log directory")
	}

	cutoff := a.now().AddDate(0, 0, -a.opts.RetentionDays)
	var kept []Attempt
	var total int64

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		runID := e.Name()
		attempts, err := scanRun(filepath.Join(a.opts.Dir, runID), runID)
		if err != nil {
			return res, errors.Wrapf(err, "scan logs of run %s", runID)
		}

		keepFrom := 0
		if a.opts.KeepPerRun > 0 && len(attempts) > a.opts.KeepPerRun {
			keepFrom = len(attempts) - a.opts.KeepPerRun
		}
		for i, at := range attempts {
			expired := a.opts.RetentionDays > 0 && at.StartedAt.Before(cutoff)
			if expired || i < keepFrom {
				a.remove(at, &res)
				continue
			}
			kept = append(kept, at)
			total += at.Bytes
		}
	}

	if a.opts.MaxTotalBytes > 0 && total > a.opts.MaxTotalBytes {
		sort.Slice(kept, func(i, j int) bool { return kept[i].StartedAt.Before(kept[j].StartedAt) })
		for _, at := range kept {
			if total <= a.opts.MaxTotalBytes {
				break
			}
			a.remove(at, &res)
			total -= at.Bytes
		}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Remove fails on directories that still hold attempts.
		if os.Remove(filepath.Join(a.opts.Dir, e.Name())) == nil {
			res.Runs++
		}
	}
	return res, nil
}

func (a *Archive) remove(at Attempt, res *PruneResult) {
	stdoutPath, stderrPath, err := a.paths(at)
	if err != nil {
		return
	}
	_ = os.Remove(stdoutPath)
	_ = os.Remove(stderrPath)
	res.Attempts++
}
