// Command stablechannelsctl is the operator's read-side tool: it inspects
// the data a running stablechannelsd has persisted (agreements, Tick
// Records) and can trigger an out-of-band backup, all without needing an
// RPC connection to the daemon itself: the daemon's only state is the
// bbolt agreement database and the append-only audit logs under its data
// directory. The audit logs can be read while the daemon runs (spec.md §5
// Shared-resource policy); the agreement database cannot, since the daemon
// holds bbolt's exclusive file lock on it: `channels` gives up after its
// open timeout and `backup` waits until the daemon exits.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli"

	"github.com/toneloc/stable-channels/auditlog"
	"github.com/toneloc/stable-channels/backup"
	"github.com/toneloc/stable-channels/channeldb"
)

func main() {
	app := cli.NewApp()
	app.Name = "stablechannelsctl"
	app.Usage = "inspect and manage a stablechannelsd data directory"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: "data",
			Usage: "stablechannelsd's data directory",
		},
	}
	app.Commands = []cli.Command{
		channelsCommand,
		ticksCommand,
		backupCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func agreementDBPath(ctx *cli.Context) string {
	return filepath.Join(ctx.GlobalString("datadir"), "agreements.db")
}

var channelsCommand = cli.Command{
	Name:  "channels",
	Usage: "list every channel with a persisted Stable Agreement",
	Action: func(ctx *cli.Context) error {
		db, err := channeldb.Open(agreementDBPath(ctx))
		if err != nil {
			return err
		}
		defer db.Close()

		ids, err := db.ListChannels()
		if err != nil {
			return err
		}

		for _, id := range ids {
			agreement, err := db.GetAgreement(id)
			if err != nil {
				fmt.Printf("%s\t<error reading agreement: %v>\n", id, err)
				continue
			}
			fmt.Printf("%s\trole=%s\tpeg=%s\n", id, agreement.Role, agreement.PegUSD)
		}
		return nil
	},
}

var ticksCommand = cli.Command{
	Name:      "ticks",
	Usage:     "print a channel's Tick Record audit log",
	ArgsUsage: "<channel-id>",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "tail",
			Usage: "keep polling for new records instead of exiting after the current log",
		},
	},
	Action: func(ctx *cli.Context) error {
		channelID := ctx.Args().First()
		if channelID == "" {
			return cli.NewExitError("stablechannelsctl: ticks requires a channel id", 1)
		}

		safe := sanitizeChannelID(channelID)
		path := filepath.Join(ctx.GlobalString("datadir"), "audit", safe+".log")

		records, err := auditlog.ReadAll(path)
		if err != nil {
			return err
		}
		for _, rec := range records {
			printTickRecord(rec)
		}

		if !ctx.Bool("tail") {
			return nil
		}

		tailer, err := auditlog.NewTailer(path)
		if err != nil {
			return err
		}
		defer tailer.Close()

		for {
			more, err := tailer.Poll()
			if err != nil {
				return err
			}
			for _, rec := range more {
				printTickRecord(rec)
			}
		}
	},
}

var backupCommand = cli.Command{
	Name:  "backup",
	Usage: "compact-copy the agreement database to a destination directory",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "destdir",
			Value: "backups",
			Usage: "directory to write the compacted backup into",
		},
	},
	Action: func(ctx *cli.Context) error {
		destPath, err := backup.Backup(agreementDBPath(ctx), ctx.String("destdir"))
		if err != nil {
			return err
		}
		fmt.Println(destPath)
		return nil
	},
}

func printTickRecord(rec auditlog.TickRecord) {
	fmt.Printf("tick=%d\t%s\t%s\t%s\tprice=%.2f\toutcome=%s\n",
		rec.TickIndex, rec.WallClock.Format("2006-01-02T15:04:05Z07:00"),
		rec.Reason, rec.Action, rec.Price.USDPerBTC, rec.Outcome)
}

func sanitizeChannelID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			out[i] = '-'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
