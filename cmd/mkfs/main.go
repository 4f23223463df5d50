package main

import (
	"flag"
	"os"

	"github.com/amos-os/amfs/config"
	"github.com/amos-os/amfs/disk"
	"github.com/amos-os/amfs/filesystem"
	"github.com/amos-os/amfs/internal/util"
)

func main() {
	var (
		verbose    int
		sizeBlocks uint64
		blockSize  uint
		inodeCount uint
		label      string
		optsPath   string
	)
	flag.Uint64Var(&sizeBlocks, "blocks", 1024, "Volume size in blocks")
	flag.UintVar(&blockSize, "bs", config.DefaultBlockSize, "Block size in bytes (power of two)")
	flag.UintVar(&inodeCount, "inodes", config.DefaultInodeCount, "Inode table capacity")
	flag.StringVar(&label, "label", "", "Volume label")
	flag.StringVar(&optsPath, "options", "", "Path to a YAML/JSON format options file")
	flag.StringVar(&optsPath, "o", "", "--options (shorthand)")
	flag.IntVar(&verbose, "verbose", 3, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", 3, "--verbose (shorthand)")
	flag.Parse()

	if verbose < 1 {
		verbose = 1
	}
	if verbose > 5 {
		verbose = 5
	}
	logLvls := [5]util.LogLevel{util.ErrorLevel, util.WarnLevel, util.InfoLevel, util.DebugLevel, util.TraceLevel}
	util.InitializeLogger(logLvls[verbose-1])
	logger := util.GetLogger("mkfs")

	image := flag.Arg(0)
	if image == "" {
		logger.Fatal().Msg("Image path not specified; it must be passed as the argument")
	}

	opts := config.NewDefaultOptions()
	if optsPath != "" {
		override, err := config.LoadOverrideFile(optsPath)
		if err != nil {
			logger.Fatal().Err(err).Str("options", optsPath).Msg("Failed to load options file")
		}
		opts.Merge(override)
	}
	// explicit flags win over the options file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bs":
			opts.BlockSize = uint32(blockSize)
		case "inodes":
			opts.InodeCount = uint32(inodeCount)
		case "label":
			opts.Label = label
		}
	})
	if err := opts.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid format options")
	}

	dev, err := disk.Create(image, opts.BlockSize, sizeBlocks)
	if err != nil {
		logger.Fatal().Err(err).Str("image", image).Msg("Failed to create image")
	}
	defer dev.Close()

	fs, err := filesystem.Format(dev, opts)
	if err != nil {
		logger.Fatal().Err(err).Str("image", image).Msg("Format failed")
	}
	sb := fs.Superblock()
	if err := fs.Unmount(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to flush formatted volume")
	}
	logger.Info().
		Str("image", image).
		Str("volume_id", sb.VolumeID.String()).
		Uint64("blocks", sb.BlockCount).
		Uint32("block_size", sb.BlockSize).
		Uint32("inodes", sb.InodeCount).
		Msg("Volume formatted")
	os.Exit(0)
}
