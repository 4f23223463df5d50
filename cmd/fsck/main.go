// fsck runs the read-only consistency pass against an AMFS image and
// lists every finding. Exit status is non-zero when the volume is not
// clean.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/amos-os/amfs/check"
	"github.com/amos-os/amfs/config"
	"github.com/amos-os/amfs/disk"
	"github.com/amos-os/amfs/filesystem"
	"github.com/amos-os/amfs/internal/util"
)

func main() {
	var (
		verbose   int
		blockSize uint
	)
	flag.UintVar(&blockSize, "bs", config.DefaultBlockSize, "Block size the image was formatted with")
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
	logger := util.GetLogger("fsck")

	image := flag.Arg(0)
	if image == "" {
		logger.Fatal().Msg("Image path not specified; it must be passed as the argument")
	}

	dev, err := disk.Open(image, uint32(blockSize), true)
	if err != nil {
		logger.Fatal().Err(err).Str("image", image).Msg("Failed to open image")
	}
	defer dev.Close()

	fs, err := filesystem.MountReadOnly(dev)
	if err != nil {
		logger.Fatal().Err(err).Str("image", image).Msg("Failed to mount volume")
	}

	report, err := check.Check(fs)
	if err != nil {
		logger.Fatal().Err(err).Msg("Consistency pass aborted")
	}
	if report.Clean() {
		fmt.Printf("clean: %d inodes, %d blocks checked\n", report.InodesChecked, report.BlocksChecked)
		os.Exit(0)
	}
	for _, ce := range report.Errors {
		fmt.Printf("error: %s\n", ce)
	}
	fmt.Printf("%d consistency errors\n", len(report.Errors))
	os.Exit(1)
}
