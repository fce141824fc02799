package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ent0n29/hearth/internal/app"
	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/speaker"
)

// SpeakersCmd groups speaker maintenance. It works on the configured store
// directly, so the assistant does not need to be running.
type SpeakersCmd struct {
	Enroll    EnrollCmd    `command:"enroll" description:"Enroll a speaker from one or more WAV clips"`
	List      ListCmd      `command:"list" description:"List enrolled speakers"`
	Delete    DeleteCmd    `command:"delete" description:"Remove a speaker"`
	Identify  IdentifyCmd  `command:"identify" description:"Score a WAV clip against every enrolled speaker"`
	Reprocess ReprocessCmd `command:"reprocess" description:"Recompute averaged embeddings from stored samples"`
	Dump      DumpCmd      `command:"dump" description:"Write every profile as JSON"`
}

type EnrollCmd struct {
	Replace bool `long:"replace" description:"replace existing samples instead of adding to them"`
	Args    struct {
		Name  string   `positional-arg-name:"name" required:"yes"`
		Clips []string `positional-arg-name:"wav" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

type ListCmd struct{}

type DeleteCmd struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

type IdentifyCmd struct {
	Args struct {
		Clip string `positional-arg-name:"wav" required:"yes"`
	} `positional-args:"yes" required:"yes"`
}

type ReprocessCmd struct{}

type DumpCmd struct {
	Out string `short:"o" long:"out" description:"output file (default stdout)"`
}

// withRegistry opens the registry for the duration of fn.
func withRegistry(fn func(ctx context.Context, reg *speaker.Registry) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	reg, err := app.OpenSpeakers(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer reg.Close()
	return fn(ctx, reg)
}

func (c *EnrollCmd) Execute(_ []string) error {
	return withRegistry(func(ctx context.Context, reg *speaker.Registry) error {
		for i, path := range c.Args.Clips {
			samples, rate, err := audio.ReadWAVFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			p, err := reg.EnrollAudio(ctx, c.Args.Name, samples, rate, c.Replace && i == 0)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("enrolled %s from %s (%d samples)\n", p.Name, path, len(p.Samples))
		}
		return nil
	})
}

func (c *ListCmd) Execute(_ []string) error {
	return withRegistry(func(_ context.Context, reg *speaker.Registry) error {
		return printSpeakers(os.Stdout, reg.List())
	})
}

func printSpeakers(w io.Writer, speakers []speaker.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSAMPLES\tUPDATED")
	for _, s := range speakers {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.SampleCount, s.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func (c *DeleteCmd) Execute(_ []string) error {
	return withRegistry(func(ctx context.Context, reg *speaker.Registry) error {
		if err := reg.Delete(ctx, c.Args.Name); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", c.Args.Name)
		return nil
	})
}

func (c *IdentifyCmd) Execute(_ []string) error {
	return withRegistry(func(ctx context.Context, reg *speaker.Registry) error {
		samples, rate, err := audio.ReadWAVFile(c.Args.Clip)
		if err != nil {
			return err
		}
		result, scores, err := reg.IdentifyAudio(ctx, samples, rate)
		if err != nil {
			return err
		}
		for _, s := range scores {
			fmt.Printf("%-20s %.3f\n", s.Name, s.Score)
		}
		near := ""
		if result.NearThreshold {
			near = " (near threshold)"
		}
		fmt.Printf("=> %s %.3f%s\n", result.Name, result.Score, near)
		return nil
	})
}

func (c *ReprocessCmd) Execute(_ []string) error {
	return withRegistry(func(ctx context.Context, reg *speaker.Registry) error {
		n, err := reg.Reprocess(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reprocessed %d speakers\n", n)
		return nil
	})
}

func (c *DumpCmd) Execute(_ []string) error {
	return withRegistry(func(_ context.Context, reg *speaker.Registry) error {
		if c.Out == "" {
			return reg.Dump(os.Stdout)
		}
		f, err := os.Create(c.Out)
		if err != nil {
			return err
		}
		if err := reg.Dump(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}
