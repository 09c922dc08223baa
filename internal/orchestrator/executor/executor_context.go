package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var (
	fileMentionRe = regexp.MustCompile(`(?:^|\s)@([\w./-]+)`)
	taskMentionRe = regexp.MustCompile(`(?:^|\s)#([\w-]+)`)
)

// mentions returns the unique first capture of every match, in order.
func mentions(re *regexp.Regexp, text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		name := strings.TrimRight(m[1], ".")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// gatherSideContext folds the project summary and any @file and #task
// mentions of text into an instructions string. Every source is optional and
// failures only drop that piece.
func (e *Executor) gatherSideContext(ctx context.Context, cwd, text string) string {
	var sections []string

	if e.summaries != nil && cwd != "" {
		summary, err := e.summaries.ProjectSummary(ctx, cwd)
		if err != nil {
			e.logger.Debug("project summary unavailable", zap.String("cwd", cwd), zap.Error(err))
		} else if summary != "" {
			sections = append(sections, "## Project summary\n\n"+summary)
		}
	}

	if cwd != "" {
		for _, name := range mentions(fileMentionRe, text) {
			content, truncated, err := readMention(cwd, name, e.cfg.MaxMentionBytes)
			if err != nil {
				e.logger.Debug("skipping file mention", zap.String("path", name), zap.Error(err))
				continue
			}
			header := "## File: " + name
			if truncated {
				header += " (truncated)"
			}
			sections = append(sections, header+"\n\n```\n"+content+"\n```")
		}
	}

	if e.tasks != nil {
		for _, id := range mentions(taskMentionRe, text) {
			desc, err := e.tasks.ResolveTask(ctx, id)
			if err != nil || desc == "" {
				e.logger.Debug("skipping task mention", zap.String("task_id", id), zap.Error(err))
				continue
			}
			sections = append(sections, "## Task #"+id+"\n\n"+desc)
		}
	}

	return strings.Join(sections, "\n\n")
}

// readMention reads at most limit bytes of a regular file under cwd.
func readMention(cwd, name string, limit int64) (string, bool, error) {
	root, err := filepath.Abs(cwd)
	if err != nil {
		return "", false, err
	}
	path := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false, fmt.Errorf("path %q escapes the working directory", name)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", false, err
	}
	if !info.Mode().IsRegular() {
		return "", false, fmt.Errorf("%q is not a regular file", name)
	}

	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", false, err
	}
	return string(data), info.Size() > limit, nil
}
