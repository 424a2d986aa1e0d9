package framework

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-nativetest/process"
)

const (
	DefaultDetectCacheSize = 256
	DefaultDetectTimeout   = 10 * time.Second
)

// ErrUnknownFramework is returned when no registered kind recognises an
// executable.
var ErrUnknownFramework = errors.New("unknown test framework")

type detectKey struct {
	path    string
	modTime int64
	size    int64
	kind    string // Set when only the version of a named kind is detected
}

type detection struct {
	kind    Kind
	version string
}

// Detector finds the framework of an executable from its --help output.
// Results are cached until the file changes.
type Detector struct {
	reg     *Registry
	cache   *lru.Cache[detectKey, detection]
	log     log.Logger
	timeout time.Duration
}

// NewDetector returns a detector over the kinds in reg.
func NewDetector(reg *Registry, cacheSize int, l log.Logger) (*Detector, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultDetectCacheSize
	}
	cache, err := lru.New[detectKey, detection](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection cache: %w", err)
	}
	if l == nil {
		l = log.New()
	}
	return &Detector{reg: reg, cache: cache, log: l, timeout: DefaultDetectTimeout}, nil
}

// Detect returns the framework of the executable at path.
func (d *Detector) Detect(ctx context.Context, path string) (Framework, error) {
	return d.detect(ctx, path, "", d.reg.Kinds())
}

// DetectVersion returns kind at the version the executable at path reports.
// The newest version is assumed when its --help output does not identify
// the kind.
func (d *Detector) DetectVersion(ctx context.Context, path string, kind Kind) (Framework, error) {
	fw, err := d.detect(ctx, path, kind.Name(), []Kind{kind})
	if errors.Is(err, ErrUnknownFramework) {
		d.log.Warn("Executable does not identify its framework version, assuming newest", "path", path, "framework", kind.Name())
		return kind.New(""), nil
	}
	return fw, err
}

func (d *Detector) detect(ctx context.Context, path, named string, kinds []Kind) (Framework, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	key := detectKey{path: path, modTime: st.ModTime().UnixNano(), size: st.Size(), kind: named}
	if det, ok := d.cache.Get(key); ok {
		return det.kind.New(det.version), nil
	}

	help, err := d.help(ctx, path)
	if err != nil {
		return nil, err
	}
	for _, k := range kinds {
		if version, ok := k.Match(help); ok {
			d.log.Debug("Detected test framework", "path", path, "framework", k.Name(), "version", version)
			d.cache.Add(key, detection{kind: k, version: version})
			return k.New(version), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFramework, path)
}

func (d *Detector) help(ctx context.Context, path string) (string, error) {
	h, err := process.Start(ctx, process.Spec{Path: path, Args: []string{"--help"}},
		process.WithTimeLimit(process.NewTimeLimit(d.timeout)),
		process.WithLogger(d.log))
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		defer h.Stdout().Close()
		_, err := io.Copy(&stdout, h.Stdout())
		return err
	})
	g.Go(func() error {
		defer h.Stderr().Close()
		_, err := io.Copy(&stderr, h.Stderr())
		return err
	})
	readErr := g.Wait()
	res := h.Wait()

	switch res.Kind {
	case process.ResultCancelledByUser:
		return "", ctx.Err()
	case process.ResultTimeoutByUser:
		return "", fmt.Errorf("%s --help did not finish within %s", path, d.timeout)
	}
	if readErr != nil {
		return "", fmt.Errorf("failed to read %s --help output: %w", path, readErr)
	}
	return stripansi.Strip(stdout.String() + stderr.String()), nil
}
