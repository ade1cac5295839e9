package main

import (
	"go.uber.org/zap"

	"github.com/pmkol/cacheproxy/coremain"
	"github.com/pmkol/cacheproxy/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Fatal("cacheproxy exited", zap.Error(err))
	}
}
