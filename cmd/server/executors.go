package main

import (
	"context"
	"os"
	"runtime"

	"taskpilot/internal/config"
	"taskpilot/pkg/executor"
	"taskpilot/pkg/task"
)

const systemInfoTool = "system_info"

// registerExecutors installs the built-in executors, each wrapped so every
// invocation lands in the audit log.
func registerExecutors(reg *executor.Registry, cfg config.ExecutorsConfig, notify executor.Notifier, rec executor.Recorder) {
	reg.RegisterLogged(executor.CommandTool, executor.NewCommand(cfg.Command.Allowed, cfg.Command.Dir), rec)
	reg.RegisterLogged(executor.NotificationTool, executor.NewNotify(notify), rec)
	reg.RegisterLogged(systemInfoTool, executor.Func(systemInfo), rec)
}

func systemInfo(_ context.Context, _ task.Step, dryRun bool) (executor.Result, error) {
	if dryRun {
		return executor.Result{Success: true, Output: "would read host information"}, nil
	}
	host, _ := os.Hostname()
	return executor.Result{Success: true, Output: map[string]any{
		"hostname": host,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"cpus":     runtime.NumCPU(),
		"go":       runtime.Version(),
	}}, nil
}
