package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dargueta/ufstool"
	"github.com/dargueta/ufstool/file_systems/ufs1"
	"github.com/dargueta/ufstool/layouts"
	"github.com/dargueta/ufstool/sectorio"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	config, err := LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %s", err.Error())
	}
	err = config.ConfigureLogging()
	if err != nil {
		logrus.Fatalf("failed to configure logging: %s", err.Error())
	}

	err = newApp(config).Run(os.Args)
	if err != nil {
		logrus.Fatalf("fatal error: %s", err.Error())
	}
}

func newApp(config *Config) *cli.App {
	return &cli.App{
		Name:  appName,
		Usage: "Create, inspect, and check UFS1 disk images",
		Commands: []*cli.Command{
			{
				Name:      "format",
				Usage:     "Create or wipe an image",
				ArgsUsage: "IMAGE_FILE",
				Action: func(ctx *cli.Context) error {
					return formatImage(ctx, config)
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "layout",
						Aliases: []string{"l"},
						Usage:   "predefined geometry to use; see the `layouts` command",
						Value:   config.DefaultLayout,
					},
					&cli.Int64Flag{Name: "size", Usage: "image size in bytes, overriding the layout"},
					&cli.IntFlag{Name: "block-size", Usage: "block size in bytes"},
					&cli.IntFlag{Name: "fragment-size", Usage: "fragment size in bytes"},
					&cli.IntFlag{Name: "inodes-per-group", Usage: "inodes in each cylinder group"},
					&cli.IntFlag{Name: "frags-per-group", Usage: "fragments in each cylinder group"},
					&cli.BoolFlag{
						Name:  "lazy-inodes",
						Usage: "only zero the first inode blocks of each group",
						Value: config.LazyInodeInit,
					},
					&cli.StringFlag{Name: "mount-point", Usage: "last mount point to record"},
				},
			},
			{
				Name:      "stat",
				Usage:     "Show the size and free space of an image",
				ArgsUsage: "IMAGE_FILE",
				Action:    statImage,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "IMAGE_FILE [PATH]",
				Action:    listDirectory,
			},
			{
				Name:      "cat",
				Usage:     "Copy the contents of a file to standard output",
				ArgsUsage: "IMAGE_FILE PATH",
				Action:    catFile,
			},
			{
				Name:      "check",
				Usage:     "Verify that free space counters match the allocation bitmaps",
				ArgsUsage: "IMAGE_FILE",
				Action:    checkImage,
			},
			{
				Name:   "layouts",
				Usage:  "List predefined image layouts",
				Action: listLayouts,
			},
		},
	}
}

func requireArgs(ctx *cli.Context, minArgs, maxArgs int) error {
	if ctx.NArg() < minArgs || ctx.NArg() > maxArgs {
		return cli.Exit(
			fmt.Sprintf("usage: %s %s %s", ctx.App.Name, ctx.Command.Name, ctx.Command.ArgsUsage),
			2,
		)
	}
	return nil
}

// mountImage opens the image named by the first argument. The caller must close
// the returned file system.
func mountImage(ctx *cli.Context) (*ufs1.FileSystem, error) {
	device, err := sectorio.Open(ctx.Args().Get(0))
	if err != nil {
		return nil, err
	}

	fs, err := ufs1.Mount(device)
	if err != nil {
		device.Close()
		return nil, err
	}
	return fs, nil
}

func formatImage(ctx *cli.Context, config *Config) error {
	if err := requireArgs(ctx, 1, 1); err != nil {
		return err
	}

	layout, err := layouts.Get(ctx.String("layout"))
	if err != nil {
		return err
	}
	size := layout.TotalBytes
	opts := layout.FormatOptions()

	if ctx.IsSet("size") {
		size = ctx.Int64("size")
	}
	if ctx.IsSet("block-size") {
		opts.BlockSize = ctx.Int("block-size")
	}
	if ctx.IsSet("fragment-size") {
		opts.FragmentSize = ctx.Int("fragment-size")
	}
	if ctx.IsSet("inodes-per-group") {
		opts.InodesPerGroup = ctx.Int("inodes-per-group")
	}
	if ctx.IsSet("frags-per-group") {
		opts.FragsPerGroup = ctx.Int("frags-per-group")
	}
	opts.LazyInodeInit = ctx.Bool("lazy-inodes")
	opts.MountPoint = ctx.String("mount-point")

	imagePath := ctx.Args().Get(0)
	file, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	err = file.Truncate(size)
	file.Close()
	if err != nil {
		return err
	}

	device, err := sectorio.Open(imagePath)
	if err != nil {
		return err
	}
	err = ufs1.Format(device, size, opts)
	closeErr := device.Close()
	if err != nil {
		return err
	}
	return closeErr
}

func statImage(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, 1); err != nil {
		return err
	}
	fs, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer fs.Close()

	printStat(ctx.App.Writer, fs.Stat())
	return nil
}

func printStat(w io.Writer, stat ufstool.FSStat) {
	fmt.Fprintf(w, "block size:        %d\n", stat.BlockSize)
	fmt.Fprintf(w, "fragment size:     %d\n", stat.FragmentSize)
	fmt.Fprintf(w, "data blocks:       %d\n", stat.TotalBlocks)
	fmt.Fprintf(w, "free blocks:       %d\n", stat.BlocksFree)
	fmt.Fprintf(w, "free fragments:    %d\n", stat.FragmentsFree)
	fmt.Fprintf(w, "available blocks:  %d\n", stat.BlocksAvailable)
	fmt.Fprintf(w, "inodes:            %d\n", stat.Files)
	fmt.Fprintf(w, "free inodes:       %d\n", stat.FilesFree)
	fmt.Fprintf(w, "directories:       %d\n", stat.Directories)
	if stat.Label != "" {
		fmt.Fprintf(w, "last mounted on:   %s\n", stat.Label)
	}
}

func listDirectory(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, 2); err != nil {
		return err
	}
	fs, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer fs.Close()

	dirPath := ctx.Args().Get(1)
	if dirPath == "" {
		dirPath = "/"
	}
	inode, err := fs.LookupPath(dirPath)
	if err != nil {
		return err
	}

	w := ctx.App.Writer
	if !inode.IsDir() {
		fmt.Fprintf(w, "%8d  %10d  %s\n", inode.Number, inode.Size, dirPath)
		return nil
	}
	return fs.ScanDirectory(
		inode,
		dirPath,
		func(parent, child *ufs1.Inode, dirPath, name string) error {
			if child.IsDir() {
				name += "/"
			}
			_, err := fmt.Fprintf(w, "%8d  %10d  %s\n", child.Number, child.Size, name)
			return err
		},
	)
}

func catFile(ctx *cli.Context) error {
	if err := requireArgs(ctx, 2, 2); err != nil {
		return err
	}
	fs, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer fs.Close()

	inode, err := fs.LookupPath(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	file, err := fs.OpenFile(inode.Number, ufstool.O_RDONLY)
	if err != nil {
		return err
	}
	_, err = io.Copy(ctx.App.Writer, file)
	return err
}

func checkImage(ctx *cli.Context) error {
	if err := requireArgs(ctx, 1, 1); err != nil {
		return err
	}
	fs, err := mountImage(ctx)
	if err != nil {
		return err
	}
	defer fs.Close()

	err = fs.Check()
	if err == nil {
		fmt.Fprintln(ctx.App.Writer, "no problems found")
		return nil
	}

	problems, ok := err.(*multierror.Error)
	if !ok {
		return err
	}
	for _, problem := range problems.Errors {
		fmt.Fprintln(ctx.App.Writer, problem.Error())
	}
	return cli.Exit(fmt.Sprintf("%d problem(s) found", len(problems.Errors)), 1)
}

func listLayouts(ctx *cli.Context) error {
	for _, slug := range layouts.Slugs() {
		layout, err := layouts.Get(slug)
		if err != nil {
			return err
		}
		line := fmt.Sprintf(
			"%-14s %11d  bsize=%-5d fsize=%-5d %s",
			slug,
			layout.TotalBytes,
			layout.BlockSize,
			layout.FragmentSize,
			layout.Name,
		)
		fmt.Fprintln(ctx.App.Writer, strings.TrimRight(line, " "))
	}
	return nil
}
