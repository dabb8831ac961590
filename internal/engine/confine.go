package engine

import (
	"os"
	"path/filepath"
	"strings"

	"requiem/internal/rerrors"
)

// resolveConfined resolves rel against workspaceRoot, following
// symlinks where the target exists, and reports whether the result is
// workspaceRoot itself or a descendant of it. Paths that do not yet
// exist (an output file before the process has produced it) fall back
// to lexical resolution — confinement still applies, it just can't
// follow a not-yet-created symlink.
func resolveConfined(workspaceRoot, rel string) (resolved string, within bool, err error) {
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", false, rerrors.Wrap(err, rerrors.CodeMissingInput, "engine: resolve workspace_root")
	}
	rootEval, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", false, rerrors.Wrapf(err, rerrors.CodeMissingInput, "engine: workspace_root %q does not exist", workspaceRoot)
	}

	joined := filepath.Join(rootEval, rel)
	eval, evalErr := filepath.EvalSymlinks(joined)
	if evalErr != nil {
		eval = filepath.Clean(joined)
	}

	if eval == rootEval {
		return eval, true, nil
	}
	if strings.HasPrefix(eval, rootEval+string(os.PathSeparator)) {
		return eval, true, nil
	}
	return eval, false, nil
}
