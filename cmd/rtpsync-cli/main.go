// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/rtpsync"
	"github.com/livekit/rtpsync/pkg/rtcpsync"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "rtpsync-cli",
		Usage:   "listen for RTCP sender reports and print sync state",
		Version: rtpsync.Version,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Usage:   "RTP port; RTCP is received on port+1",
				Value:   5004,
				EnvVars: []string{"RTPSYNC_PORT"},
			},
			&cli.StringFlag{
				Name:    "multicast",
				Usage:   "multicast group to join, e.g. 239.1.1.1",
				EnvVars: []string{"RTPSYNC_MULTICAST"},
			},
			&cli.UintFlag{
				Name:    "rate",
				Usage:   "sender sample-clock rate in Hz",
				Value:   rtcpsync.DefaultClockRate,
				EnvVars: []string{"RTPSYNC_RATE"},
			},
			&cli.DurationFlag{
				Name:  "latency",
				Usage: "target playout latency",
				Value: rtpsync.DefaultTargetLatency,
			},
			&cli.BoolFlag{
				Name: "verbose",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func run(c *cli.Context) error {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	logger.InitFromConfig(&logger.Config{Level: level}, "rtpsync-cli")
	rtpsync.SetLogger(logger.GetLogger())

	engine := rtcpsync.NewEngine(
		rtcpsync.WithClockRate(uint32(c.Uint("rate"))),
		rtcpsync.WithLogger(logger.GetLogger()),
	)
	recv := rtpsync.NewReceiver(engine,
		rtpsync.WithTargetLatency(c.Duration("latency")),
	)

	if err := recv.Start(c.Int("port")); err != nil {
		return err
	}
	defer recv.Stop()

	if group := c.String("multicast"); group != "" {
		if err := recv.JoinMulticast(group, c.Int("port")); err != nil {
			return err
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			return nil
		case <-ticker.C:
			primary, ok := engine.Primary()
			if !ok {
				fmt.Println("no primary source")
				continue
			}
			info, err := engine.SyncInfo(primary)
			if err != nil {
				continue
			}
			fmt.Printf("primary SSRC=0x%08X fresh=%v offset=%v slope=%.6f lost=%d jitter=%.0f\n",
				info.SSRC, info.Fresh, info.ClockOffset, info.Slope, info.CumulativeLost, info.Jitter)
		}
	}
}
