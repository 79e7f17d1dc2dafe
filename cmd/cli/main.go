package main

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"os"
	"time"

	"github.com/glizzus/sound-stream/internal/config"
	"github.com/glizzus/sound-stream/internal/datalayer"
	"github.com/glizzus/sound-stream/internal/generator"
	"github.com/glizzus/sound-stream/internal/opus"
	"github.com/glizzus/sound-stream/internal/voice/udp"
	"github.com/glizzus/sound-stream/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
)

var uuidGenerator = generator.UUIDV4Generator{}

func redisClient(ctx context.Context) (*redis.Client, *config.RedisConfig, error) {
	cfg, err := config.NewRedisConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, cfg, nil
}

func enqueue(c *cli.Context, job worker.Job) error {
	rdb, cfg, err := redisClient(c.Context)
	if err != nil {
		return cli.Exit("Failed to set up redis: "+err.Error(), 1)
	}
	defer rdb.Close()

	queue := worker.NewRedisJobQueue(rdb, cfg.JobStream, &uuidGenerator)
	ids, err := queue.Enqueue(c.Context, job)
	if err != nil {
		return cli.Exit("Failed to enqueue job: "+err.Error(), 1)
	}
	log.Printf("Enqueued %s job %s", job.Action, ids[0])
	return nil
}

var guildFlag = &cli.StringFlag{
	Name:     "guild-id",
	Usage:    "ID of the guild",
	Required: true,
}

func main() {
	if err := config.LoadEnv(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("Failed to load .env file: %v", err)
	}

	app := &cli.App{
		Name:        "sound-stream-cli",
		Description: "A development CLI tool for driving Sound Stream workers without Discord commands",
		Commands: []*cli.Command{
			{
				Name:      "play",
				Usage:     "Enqueue a job that plays audio in a guild",
				ArgsUsage: "<file, URL or blob:key>",
				Action: func(c *cli.Context) error {
					input := c.Args().First()
					if input == "" {
						return cli.Exit("Please provide something to play", 1)
					}
					var runAt time.Time
					if delay := c.Duration("in"); delay > 0 {
						runAt = time.Now().Add(delay)
					}
					return enqueue(c, worker.Job{
						Action:    worker.ActionPlay,
						GuildID:   c.String("guild-id"),
						ChannelID: c.String("channel-id"),
						Input:     input,
						RunAt:     runAt,
					})
				},
				Flags: []cli.Flag{
					guildFlag,
					&cli.StringFlag{
						Name:  "channel-id",
						Usage: "Voice channel to play in; defaults to the busiest one",
					},
					&cli.DurationFlag{
						Name:  "in",
						Usage: "Delay before the job runs",
					},
				},
			},
			{
				Name:  "stop",
				Usage: "Enqueue a job that stops playback in a guild",
				Action: func(c *cli.Context) error {
					return enqueue(c, worker.Job{Action: worker.ActionStop, GuildID: c.String("guild-id")})
				},
				Flags: []cli.Flag{guildFlag},
			},
			{
				Name:  "leave",
				Usage: "Enqueue a job that leaves the voice channel in a guild",
				Action: func(c *cli.Context) error {
					return enqueue(c, worker.Job{Action: worker.ActionLeave, GuildID: c.String("guild-id")})
				},
				Flags: []cli.Flag{guildFlag},
			},
			{
				Name:  "events",
				Usage: "Follow the voice event stream",
				Action: func(c *cli.Context) error {
					rdb, cfg, err := redisClient(c.Context)
					if err != nil {
						return cli.Exit("Failed to set up redis: "+err.Error(), 1)
					}
					defer rdb.Close()

					after := "$"
					if c.Bool("from-start") {
						after = "0"
					}
					for {
						events, err := worker.ReadEvents(c.Context, rdb, cfg.EventStream, after, 5*time.Second)
						if err != nil {
							return cli.Exit("Failed to read events: "+err.Error(), 1)
						}
						for _, ev := range events {
							log.Printf("%+v", ev)
							after = ev.ID
						}
					}
				},
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "from-start",
						Usage: "Print the events already on the stream first",
					},
				},
			},
			{
				Name:      "probe",
				Usage:     "Run IP discovery against a voice server's UDP address",
				ArgsUsage: "<ip:port>",
				Action: func(c *cli.Context) error {
					server, err := netip.ParseAddrPort(c.Args().First())
					if err != nil {
						return cli.Exit("Invalid address: "+err.Error(), 1)
					}
					voiceConfig, err := config.NewVoiceConfigFromEnv()
					if err != nil {
						return cli.Exit("Failed to load voice config: "+err.Error(), 1)
					}

					channel := udp.NewChannel(voiceConfig.UDP())
					defer channel.Close()
					external, err := channel.Negotiate(c.Context, uint32(c.Uint("ssrc")), server)
					if err != nil {
						return cli.Exit("Discovery failed: "+err.Error(), 1)
					}
					log.Printf("External address: %s", external)
					return nil
				},
				Flags: []cli.Flag{
					&cli.UintFlag{
						Name:  "ssrc",
						Usage: "SSRC to send in the discovery request",
						Value: 1,
					},
				},
			},
			{
				Name:      "upload",
				Usage:     "Encode an audio file and store it as a clip playable with blob:<key>",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					f, err := os.Open(path)
					if err != nil {
						return cli.Exit("Failed to open file: "+err.Error(), 1)
					}
					defer f.Close()

					storage, err := datalayer.NewMinioStorageFromEnv()
					if err != nil {
						return cli.Exit("Failed to set up storage: "+err.Error(), 1)
					}
					if err := storage.EnsureBucket(c.Context); err != nil {
						return cli.Exit("Failed to ensure bucket: "+err.Error(), 1)
					}

					frames, err := opus.Encode(f)
					if err != nil {
						return cli.Exit("Failed to start encoder: "+err.Error(), 1)
					}
					defer frames.Close()

					key := c.String("key")
					if key == "" {
						key, _ = uuidGenerator.Next()
					}
					if err := storage.Put(c.Context, key, frames, datalayer.PutOptions{
						Size:        -1,
						ContentType: "application/octet-stream",
					}); err != nil {
						return cli.Exit("Failed to upload clip: "+err.Error(), 1)
					}
					log.Printf("Stored clip; play it with blob:%s", key)
					return nil
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "key",
						Usage: "Key to store the clip under; defaults to a random id",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error running CLI: %v", err)
	}
}
