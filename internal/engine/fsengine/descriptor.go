package fsengine

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/devserve/internal/engine"
	ferrors "git.home.luguber.info/inful/devserve/internal/foundation/errors"
)

// Diagnostic markers recognized in source files, one per line:
//
//	BUILD-ERROR: <message>
//	BUILD-WARNING: <message>
//
// They make broken and noisy units reproducible from plain fixtures.
const (
	errorMarker   = "BUILD-ERROR:"
	warningMarker = "BUILD-WARNING:"
	edgeMarker    = "runtime=edge"
)

type fileDescriptor struct {
	p   *project
	key string
	src string
}

func (p *project) descriptor(key, src string) engine.UnitDescriptor {
	return &fileDescriptor{p: p, key: key, src: src}
}

func (d *fileDescriptor) Key() string { return d.key }

func (d *fileDescriptor) ServerChanged(ctx context.Context, includeIssues bool) (*engine.Stream[engine.ChangeEvent], error) {
	return d.p.subscribeChange(ctx, d.src, includeIssues)
}

func (d *fileDescriptor) ClientChanged(ctx context.Context) (*engine.Stream[engine.ChangeEvent], error) {
	return d.p.subscribeChange(ctx, d.src, false)
}

// WriteToDisk copies the source into the output directory under a
// content-hashed name and reports the file's diagnostic markers.
func (d *fileDescriptor) WriteToDisk(_ context.Context) (*engine.WrittenEndpoint, error) {
	data, err := os.ReadFile(d.src)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryEngine, "read source file").
			WithContext("src", d.src).Build()
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])[:16]

	outName := sanitize(d.key) + "-" + hash + ".out"
	outPath := filepath.Join(d.p.cfg.OutputDir, outName)
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryEngine, "write output file").
			WithContext("path", outPath).Build()
	}

	runtime := engine.RuntimeNodeJS
	if strings.Contains(string(data), edgeMarker) {
		runtime = engine.RuntimeEdge
	}

	return &engine.WrittenEndpoint{
		ServerPaths: []engine.ServerPath{{Path: outPath, ContentHash: hash}},
		Runtime:     runtime,
		Issues:      diagnose(d.src),
	}, nil
}

// diagnose scans the source for diagnostic markers.
func diagnose(srcPath string) []engine.Issue {
	f, err := os.Open(srcPath)
	if err != nil {
		return []engine.Issue{{
			Severity: engine.SeverityError,
			Message:  "source file unreadable: " + err.Error(),
			FilePath: srcPath,
		}}
	}
	defer func() { _ = f.Close() }()

	var issues []engine.Issue
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if idx := strings.Index(text, errorMarker); idx >= 0 {
			issues = append(issues, engine.Issue{
				Severity: engine.SeverityError,
				Message:  strings.TrimSpace(text[idx+len(errorMarker):]),
				FilePath: srcPath,
				Line:     line,
			})
		} else if idx := strings.Index(text, warningMarker); idx >= 0 {
			issues = append(issues, engine.Issue{
				Severity: engine.SeverityWarning,
				Message:  strings.TrimSpace(text[idx+len(warningMarker):]),
				FilePath: srcPath,
				Line:     line,
			})
		}
	}
	return issues
}

func sanitize(key string) string {
	r := strings.NewReplacer("/", "_", ".", "_", ":", "_")
	out := strings.Trim(r.Replace(key), "_")
	if out == "" {
		out = "index"
	}
	return out
}

func errProjectClosed() error {
	return ferrors.EngineError("project is closed").Build()
}
