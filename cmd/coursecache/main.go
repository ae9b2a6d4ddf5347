// Command coursecache keeps course content and lesson videos available offline.
//
//	fetch     Fetch a course network-first, falling back to the cached snapshot
//	download  Download lesson videos into the cache, printing progress
//	status    Show cache usage or one lesson's download status
//	resolve   Show where a lesson would play from
//	rm        Delete downloaded lesson videos
//	evict     Trim cached videos to a size budget, oldest first
//	serve     Run the local control API (HTTP + server-sent events)
//	mount     Mount cached videos as a read-only folder tree (Linux)
//	check     Verify the cache dir and content API are usable
package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/snapetech/coursecache/internal/config"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[coursecache] ")

	app := &cli.App{
		Name:  "coursecache",
		Usage: "offline cache for course content and lesson videos",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file",
				EnvVars: []string{"COURSECACHE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "cache root (overrides config)",
			},
		},
		Commands: []*cli.Command{
			fetchCommand,
			downloadCommand,
			statusCommand,
			resolveCommand,
			rmCommand,
			evictCommand,
			serveCommand,
			mountCommand,
			checkCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}
