package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/hashicorp/go-multierror"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/nufs-fs/nufs/blockdev"
	"github.com/nufs-fs/nufs/disks"
	"github.com/nufs-fs/nufs/fs"
	"github.com/nufs-fs/nufs/fusefs"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "nufs",
		Usage: "Mount and manage nufs disk images",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log every operation",
			},
		},
		Before: func(context *cli.Context) error {
			if context.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "mount",
				Usage:     "Mount an image and serve it until unmounted",
				Action:    mountImage,
				ArgsUsage: "MOUNTPOINT  IMAGE",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "allow-other",
						Usage: "let other users access the mount",
					},
				},
			},
			{
				Name:      "mkfs",
				Usage:     "Create or re-initialize an image",
				Action:    formatImage,
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "profile",
						Usage: "image layout profile",
						Value: disks.DefaultProfileSlug,
					},
				},
			},
			{
				Name:      "fsck",
				Usage:     "Check an image's structural invariants",
				Action:    checkImage,
				ArgsUsage: "IMAGE",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatalf("fatal error: %s", err.Error())
	}
}

func openFilesystem(imagePath string) (*fs.Filesystem, error) {
	dev, err := blockdev.Open(imagePath)
	if err != nil {
		return nil, err
	}

	fsys, err := fs.Mount(dev, timeutil.RealClock())
	if err != nil {
		dev.Close()
		return nil, err
	}
	return fsys, nil
}

func mountImage(context *cli.Context) error {
	if context.NArg() != 2 {
		return fmt.Errorf("expected MOUNTPOINT and IMAGE, got %d arguments", context.NArg())
	}
	mountpoint := context.Args().Get(0)
	imagePath := context.Args().Get(1)

	fsys, err := openFilesystem(imagePath)
	if err != nil {
		return err
	}

	cfg := &fuse.MountConfig{
		FSName:  "nufs",
		Options: map[string]string{},
	}
	if context.Bool("allow-other") {
		cfg.Options["allow_other"] = ""
	}

	mfs, err := fusefs.Mount(mountpoint, fsys, cfg)
	if err != nil {
		fsys.Close()
		return err
	}
	logrus.Infof("serving %q at %q", imagePath, mountpoint)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		<-interrupts
		logrus.Info("interrupted, unmounting")
		if err := fuse.Unmount(mountpoint); err != nil {
			logrus.Errorf("unmount failed: %s", err)
		}
	}()

	if err := mfs.Join(context.Context); err != nil {
		fsys.Close()
		return err
	}
	return fsys.Close()
}

func formatImage(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected IMAGE, got %d arguments", context.NArg())
	}
	imagePath := context.Args().Get(0)

	profile, err := disks.ProfileBySlug(context.String("profile"))
	if err != nil {
		return err
	}
	// The device geometry is compiled in; refuse profiles it can't serve.
	if profile.BlockSize != blockdev.BlockSize ||
		profile.BlockCount != blockdev.BlockCount ||
		profile.MetadataBlocks != blockdev.FirstDataBlock ||
		profile.MaxFiles != fs.MaxFiles {
		return fmt.Errorf("profile %q does not describe a mountable layout", profile.Slug)
	}

	// Start from an empty file so the bitmap and root inode are rebuilt.
	if err := os.RemoveAll(imagePath); err != nil {
		return err
	}

	fsys, err := openFilesystem(imagePath)
	if err != nil {
		return err
	}
	if err := fsys.Close(); err != nil {
		return err
	}

	logrus.Infof("formatted %q as %s (%d bytes)",
		imagePath, profile.Name, profile.TotalSizeBytes())
	return nil
}

func checkImage(context *cli.Context) error {
	if context.NArg() != 1 {
		return fmt.Errorf("expected IMAGE, got %d arguments", context.NArg())
	}
	imagePath := context.Args().Get(0)

	if _, err := os.Stat(imagePath); err != nil {
		return err
	}

	fsys, err := openFilesystem(imagePath)
	if err != nil {
		return err
	}
	defer fsys.Close()

	var result *multierror.Error
	for _, problem := range fsys.Verify() {
		result = multierror.Append(result, problem)
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("image %q is inconsistent: %w", imagePath, err)
	}

	for _, inode := range fsys.TableDump() {
		kind := "file"
		if inode.IsDir() {
			kind = "dir"
		}
		fmt.Printf("%-4s %8d  %s\n", kind, inode.Size, inode.Path)
	}
	logrus.Infof("image %q is clean", imagePath)
	return nil
}
