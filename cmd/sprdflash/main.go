package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/drunlade/go-sprdflash/fdl"
)

var (
	portName   = flag.String("port", "", "serial port of the device in download mode")
	listPorts  = flag.Bool("list-ports", false, "list serial ports and exit")
	baud       = flag.Int("baud", 115200, "initial baud rate")
	chipName   = flag.String("chip", "", "chip profile name (determines FDL load addresses)")
	chipFile   = flag.String("chip-profiles", "", "TOML file with extra chip profiles")
	fdl1Path   = flag.String("fdl1", "", "FDL1 image file")
	fdl2Path   = flag.String("fdl2", "", "FDL2 image file")
	bypassPath = flag.String("bypass", "", "signature bypass payload (default: auto-detect)")

	writeSpec  = flag.String("write", "", "write partition, as name:file")
	readSpec   = flag.String("read", "", "read partition, as name:size:file")
	eraseName  = flag.String("erase", "", "erase the named partition")
	existName  = flag.String("exist", "", "check whether the named partition exists")
	printTable = flag.Bool("print-table", false, "print the partition table")
	exportPath = flag.String("export-table", "", "write the partition table to a file")
	repartFile = flag.String("repartition", "", "rewrite the partition table from an exported table file (destructive)")
	flashInfo  = flag.Bool("flash-info", false, "print the flash device descriptor")

	skipVerify = flag.Bool("skip-verify", false, "disable response checksum verification")
	allowSkip  = flag.Bool("allow-chunk-skip", false, "tolerate up to two consecutive failed write chunks")
	keepCharge = flag.Bool("keep-charge", false, "ask the loader to keep charging during the session")
	doReset    = flag.Bool("reset", false, "reboot the device when done")
	powerOff   = flag.Bool("poweroff", false, "power the device off when done")
	verbose    = flag.Bool("v", false, "verbose protocol logging")
	version    = flag.Bool("version", false, "show version")
)

const versionString = "sprdflash version 0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		os.Exit(0)
	}

	if *listPorts {
		ports, err := fdl.ListPorts()
		if err != nil {
			fatal("list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		os.Exit(0)
	}

	if *portName == "" {
		fmt.Fprintf(os.Stderr, "%s: no port specified\n", os.Args[0])
		showUsage(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	logger := fdl.NewConsoleLogger(os.Stderr, *verbose)

	transport, err := fdl.OpenSerialPort(*portName, *baud)
	if err != nil {
		fatal("%v", err)
	}

	config := fdl.DefaultConfig()
	config.BaudRate = *baud
	config.SkipChecksumVerify = *skipVerify
	config.AllowChunkSkip = *allowSkip
	config.BypassPath = *bypassPath

	session := fdl.NewSession(transport,
		fdl.WithConfig(config),
		fdl.WithCallbacks(&fdl.Callbacks{
			OnProgress: progressBar(os.Stderr),
			OnLog: func(line string) {
				if !*verbose {
					fmt.Fprintln(os.Stderr, line)
				}
			},
		}),
		fdl.WithLogger(logger),
		fdl.WithContext(ctx),
	)
	defer session.Close()

	if err := run(ctx, session); err != nil {
		fatal("%v", err)
	}
}

func run(ctx context.Context, session *fdl.Session) error {
	if err := session.Connect(ctx); err != nil {
		return err
	}

	needFdl := *writeSpec != "" || *readSpec != "" || *eraseName != "" ||
		*existName != "" || *printTable || *exportPath != "" || *flashInfo ||
		*repartFile != ""
	if needFdl || *fdl1Path != "" {
		if err := loadFdls(ctx, session); err != nil {
			return err
		}
	}

	if *keepCharge {
		if err := session.KeepCharge(ctx); err != nil {
			return err
		}
	}

	if *repartFile != "" {
		text, err := os.ReadFile(*repartFile)
		if err != nil {
			return err
		}
		parts, err := fdl.ParsePartitionTable(string(text))
		if err != nil {
			return err
		}
		if err := session.Repartition(ctx, parts); err != nil {
			return err
		}
	}

	if *writeSpec != "" {
		name, path, ok := strings.Cut(*writeSpec, ":")
		if !ok {
			return fmt.Errorf("-write wants name:file, got %q", *writeSpec)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := session.WritePartition(ctx, name, data); err != nil {
			return err
		}
	}

	if *readSpec != "" {
		name, size, path, err := parseReadSpec(*readSpec)
		if err != nil {
			return err
		}
		data, err := session.ReadPartition(ctx, name, size)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
	}

	if *eraseName != "" {
		if err := session.ErasePartition(ctx, *eraseName); err != nil {
			return err
		}
	}

	if *existName != "" {
		exists, err := session.CheckPartitionExist(ctx, *existName)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %v\n", *existName, exists)
	}

	if *printTable || *exportPath != "" {
		parts, err := session.ReadPartitionTable(ctx)
		if err != nil {
			return err
		}
		rendered := fdl.FormatPartitionTable(parts)
		if *printTable {
			fmt.Print(rendered)
		}
		if *exportPath != "" {
			if err := os.WriteFile(*exportPath, []byte(rendered), 0o644); err != nil {
				return err
			}
		}
	}

	if *flashInfo {
		info, err := session.ReadFlashInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("type: %d\nmanufacturer: %#02x\ndevice: %#04x\nblock size: %d\nblocks: %d\ntotal: %d\n",
			info.Type, info.ManufacturerID, info.DeviceID, info.BlockSize, info.BlockCount, info.TotalSize)
	}

	switch {
	case *doReset:
		return session.Reset(ctx)
	case *powerOff:
		return session.PowerOff(ctx)
	}
	return nil
}

// loadFdls runs the FDL1 then FDL2 stage of the pipeline using the chip
// profile's load addresses.
func loadFdls(ctx context.Context, session *fdl.Session) error {
	if *chipName == "" {
		return fmt.Errorf("a -chip profile is required to load FDLs (known: %s)",
			strings.Join(fdl.ChipNames(), ", "))
	}
	var overlay map[string]fdl.ChipProfile
	if *chipFile != "" {
		var err error
		if overlay, err = fdl.LoadChipProfiles(*chipFile); err != nil {
			return err
		}
	}
	profile, ok := fdl.LookupChip(*chipName, overlay)
	if !ok {
		return fmt.Errorf("unknown chip %q (known: %s)", *chipName, strings.Join(fdl.ChipNames(), ", "))
	}

	if *fdl1Path == "" || *fdl2Path == "" {
		return fmt.Errorf("both -fdl1 and -fdl2 are required")
	}

	stages := []struct {
		stage fdl.Stage
		path  string
		addr  uint32
		exec  uint32
	}{
		{fdl.StageFdl1, *fdl1Path, profile.Fdl1Addr, profile.ExecAddr},
		{fdl.StageFdl2, *fdl2Path, profile.Fdl2Addr, 0},
	}
	for _, st := range stages {
		data, err := os.ReadFile(st.path)
		if err != nil {
			return err
		}
		err = session.DownloadFdl(ctx, fdl.FdlImage{
			Stage:      st.stage,
			Data:       data,
			Addr:       st.addr,
			ExecAddr:   st.exec,
			SourcePath: st.path,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// progressBar renders chunk progress on a terminal; on a pipe it stays
// silent so logs remain parseable.
func progressBar(out *os.File) func(index, total int) {
	if !term.IsTerminal(int(out.Fd())) {
		return nil
	}
	return func(index, total int) {
		if total <= 0 {
			return
		}
		const width = 40
		filled := index * width / total
		fmt.Fprintf(out, "\r[%s%s] %d/%d",
			strings.Repeat("=", filled), strings.Repeat(" ", width-filled), index, total)
		if index == total {
			fmt.Fprintln(out)
		}
	}
}

func parseReadSpec(spec string) (name string, size uint64, path string, err error) {
	fields := strings.SplitN(spec, ":", 3)
	if len(fields) != 3 {
		return "", 0, "", fmt.Errorf("-read wants name:size:file, got %q", spec)
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &size); err != nil || size == 0 {
		return "", 0, "", fmt.Errorf("-read size %q is not a positive integer", fields[1])
	}
	return fields[0], size, fields[2], nil
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], fmt.Sprintf(format, args...))
	os.Exit(1)
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - flash Spreadtrum/Unisoc devices over the FDL protocol

Usage: %s -port PORT [options]

Options:
  -port PORT            serial port of the device in download mode
  -list-ports           list serial ports and exit
  -baud N               initial baud rate (default: 115200)
  -chip NAME            chip profile (known: %s)
  -chip-profiles FILE   TOML file with extra chip profiles
  -fdl1 FILE            FDL1 image
  -fdl2 FILE            FDL2 image
  -bypass FILE          signature bypass payload
  -write NAME:FILE      write a partition
  -read NAME:SIZE:FILE  read SIZE bytes of a partition into FILE
  -erase NAME           erase a partition
  -exist NAME           check whether a partition exists
  -print-table          print the partition table
  -export-table FILE    write the partition table to FILE
  -repartition FILE     rewrite the partition table from an exported FILE (destructive)
  -flash-info           print the flash device descriptor
  -skip-verify          disable response checksum verification
  -allow-chunk-skip     tolerate up to two consecutive failed write chunks
  -keep-charge          keep charging during the session
  -reset                reboot the device when done
  -poweroff             power the device off when done
  -v                    verbose protocol logging
  -version              show version

Examples:
  %s -list-ports
  %s -port /dev/ttyUSB0 -chip sc9863a -fdl1 fdl1.bin -fdl2 fdl2.bin -print-table
  %s -port /dev/ttyUSB0 -chip sc9863a -fdl1 fdl1.bin -fdl2 fdl2.bin -write boot:boot.img -reset

`, versionString, os.Args[0], strings.Join(fdl.ChipNames(), ", "),
		os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
