package main

import (
	"github.com/stratum-kg/stratum/internal/server"
	"github.com/stratum-kg/stratum/internal/util"
	"github.com/stratum-kg/stratum/pkg/logger"
	"github.com/stratum-kg/stratum/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.New(console.Params{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
