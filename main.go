package main

import (
	"os"
	"runtime/debug"

	"github.com/mezonai/blockclique/cmd"
	"github.com/mezonai/blockclique/logx"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			_ = logx.Errorf("NODE CRASHED: %v\n%s", r, debug.Stack())
			logx.Sync()
			os.Exit(1)
		}
	}()
	defer logx.Sync()

	cmd.Execute()
}
