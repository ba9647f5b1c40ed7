package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sighub/capture"
	"github.com/sighub/capture/eventloop"
	"github.com/sighub/capture/filter"
	"github.com/sighub/capture/internal/config"
)

var (
	configFile  string
	debug       bool
	iface       string
	count       int
	snapLen     int
	promisc     bool
	writeFile   string
	dumpFile    string
	linkType    string
	timeout     time.Duration
	quiet       bool
	printFilter bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "capture [filter expression]",
	Short: "Capture packets for all interfaces (default) or a given interface, optionally filtered",
	Long: `Capture packets for all interfaces (default) or a given interface. Any arguments are joined
into a tcpdump style filter expression, compiled to classic BPF and attached to the socket.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd, args)
		if err != nil {
			log.Fatal(err)
		}
		level, _ := log.ParseLevel(cfg.LogLevel)
		log.SetLevel(level)

		hint, hasHint, _ := config.ParseLinkType(cfg.Capture.LinkType)
		opts := []capture.Option{
			capture.WithSnapLen(cfg.Capture.SnapLen),
			capture.WithPromiscuous(cfg.Capture.Promiscuous),
			capture.WithPacketLimit(cfg.Capture.Count),
		}
		// programs built ahead of the capture assume ethernet framing unless told otherwise
		target := layers.LinkTypeEthernet
		if hasHint {
			target = hint
			opts = append(opts, capture.WithLinkType(hint))
		}
		switch {
		case cfg.Capture.DumpFile != "":
			prog, err := loadDump(cfg.Capture.DumpFile, target)
			if err != nil {
				log.Fatal(err)
			}
			opts = append(opts, capture.WithProgram(prog))
		case cfg.Capture.Filter != "":
			opts = append(opts, capture.WithFilter(cfg.Capture.Filter))
		}

		if printFilter {
			if err := printProgram(cfg.Capture, target); err != nil {
				log.Fatal(err)
			}
			return
		}

		if err := run(cfg, opts); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "YAML configuration file; flags override its values")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "print lots of debugging messages")
	rootCmd.Flags().StringVarP(&iface, "interface", "i", "", "interface from which to capture, default to all")
	rootCmd.Flags().IntVarP(&count, "count", "c", 0, "stop after this many packets; default 0 means no limit")
	rootCmd.Flags().IntVar(&snapLen, "snaplen", capture.DefaultSnapLen, "bytes kept of each packet")
	rootCmd.Flags().BoolVar(&promisc, "promisc", true, "put the interface in promiscuous mode")
	rootCmd.Flags().StringVarP(&writeFile, "write", "w", "", "write captured packets to this PCAP file")
	rootCmd.Flags().StringVar(&dumpFile, "dump-file", "", `read the filter program from "tcpdump -dd" output instead of an expression`)
	rootCmd.Flags().StringVar(&linkType, "link-type", "", "framing the filter is written for: ethernet, raw, null, loop")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "stop capturing after given timeout, e.g. 10s, 1m, 1h; default 0 means no timeout")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print packet summaries")
	rootCmd.Flags().BoolVar(&printFilter, "print-filter", false, `print the compiled filter as "tcpdump -dd" would and exit`)
}

// loadConfig start from the file, or the defaults, and apply the flags that were set
func loadConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	cfg := config.Defaults()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if debug {
		cfg.LogLevel = log.DebugLevel.String()
	}
	if flags.Changed("interface") {
		cfg.Capture.Interface = iface
	}
	if len(args) >= 1 {
		cfg.Capture.Filter = strings.Join(args, " ")
	}
	if flags.Changed("dump-file") {
		cfg.Capture.DumpFile = dumpFile
	}
	if flags.Changed("link-type") {
		cfg.Capture.LinkType = linkType
	}
	if flags.Changed("snaplen") {
		cfg.Capture.SnapLen = snapLen
	}
	if flags.Changed("promisc") {
		cfg.Capture.Promiscuous = promisc
	}
	if flags.Changed("count") {
		cfg.Capture.Count = count
	}
	if flags.Changed("timeout") {
		cfg.Capture.Timeout = timeout
	}
	if flags.Changed("write") {
		cfg.Output.PcapFile = writeFile
	}
	if flags.Changed("quiet") {
		cfg.Output.Quiet = quiet
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDump(path string, linkType layers.LinkType) (*filter.Program, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read filter dump: %w", err)
	}
	return filter.ParseDump(string(text), linkType)
}

func printProgram(c config.CaptureConfig, linkType layers.LinkType) error {
	var (
		prog *filter.Program
		err  error
	)
	if c.DumpFile != "" {
		prog, err = loadDump(c.DumpFile, linkType)
	} else {
		prog, err = filter.Compile(c.Filter, linkType)
	}
	if err != nil {
		return err
	}
	fmt.Print(prog.String())
	return nil
}

func run(cfg config.Config, opts []capture.Option) error {
	loop, err := eventloop.NewLoop()
	if err != nil {
		return err
	}
	defer loop.Close()

	var (
		w       *pcapgo.Writer
		decoder gopacket.Decoder = layers.LinkTypeEthernet
		n       int
	)
	onPacket := func(data []byte) {
		if w != nil {
			ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}
			if err := w.WritePacket(ci, data); err != nil {
				log.WithError(err).Error("unable to write packet")
			}
		}
		if !cfg.Output.Quiet {
			processPacket(gopacket.NewPacket(data, decoder, gopacket.Default), n)
		}
		n++
	}
	onFault := func(error) {
		loop.Stop()
	}
	opts = append(opts, capture.WithStopFunc(loop.Stop))
	e := capture.New(cfg.Capture.Interface, onPacket, onFault, opts...)
	if err := e.SetEventLoop(loop); err != nil {
		return err
	}

	if cfg.Output.PcapFile != "" {
		f, err := os.Create(cfg.Output.PcapFile)
		if err != nil {
			return fmt.Errorf("unable to create pcap file: %w", err)
		}
		defer f.Close()
		w = pcapgo.NewWriter(f)
	}

	fmt.Printf("capturing from interface %s\n", cfg.Capture.Interface)
	if err := e.Enable(); err != nil {
		return err
	}
	decoder = e.LinkType()
	if w != nil {
		if err := w.WriteFileHeader(uint32(cfg.Capture.SnapLen), e.LinkType()); err != nil {
			_ = e.Disable()
			return fmt.Errorf("unable to write pcap header: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Capture.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Capture.Timeout)
		defer cancel()
	}
	err = loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	switch e.State() {
	case capture.StateEnabled:
		if derr := e.Disable(); derr != nil && err == nil {
			err = derr
		}
	case capture.StateFailed:
		if err == nil {
			err = errors.New("capture ended with a fault")
		}
	}
	fmt.Println(e.Status())
	return err
}

func processPacket(packet gopacket.Packet, count int) {
	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv4)
		fmt.Printf("%d: IP packet from src %s to dst %s\n", count, ip.SrcIP, ip.DstIP)
	}
	if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip, _ := ipLayer.(*layers.IPv6)
		fmt.Printf("%d: IPv6 packet from src %s to dst %s\n", count, ip.SrcIP, ip.DstIP)
	}
	if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		fmt.Printf("%d: UDP packet from src port %d to dst port %d\n", count, udp.SrcPort, udp.DstPort)
	}
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		fmt.Printf("%d: TCP packet from src port %d to dst port %d\n", count, tcp.SrcPort, tcp.DstPort)
	}
	for i, layer := range packet.Layers() {
		fmt.Printf("%d: PACKET LAYER %d: %s\n", count, i, layer.LayerType())
	}

	data := packet.Data()
	if len(data) > 50 {
		data = data[:50]
	}
	fmt.Printf("%d: packet size %d, first bytes %d\n", count, len(packet.Data()), data)
}
