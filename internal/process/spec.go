package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/tunnelkeeper/internal/logger"
)

// Spec describes a child process to supervise.
type Spec struct {
	Name        string        `json:"name"`
	Command     string        `json:"command"`  // executable path, or a name resolved via PATH
	Args        []string      `json:"args"`     // arguments, placeholders already rendered
	Env         []string      `json:"env"`      // full environment; nil inherits the daemon's
	WorkDir     string        `json:"work_dir"` // optional working dir
	LogCapacity int           `json:"log_capacity"`
	Log         logger.Config `json:"log"` // optional rotated mirror of stdout/stderr
}

func (s *Spec) buildCommand() *exec.Cmd {
	// #nosec G204 -- command comes from daemon configuration, not from remote input
	cmd := exec.Command(s.Command, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd
}

// Render substitutes {key} placeholders in each template element with vars[key].
// Unknown placeholders are left as-is.
func Render(tmpl []string, vars map[string]string) []string {
	if len(tmpl) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(tmpl))
	for i, s := range tmpl {
		out[i] = r.Replace(s)
	}
	return out
}
