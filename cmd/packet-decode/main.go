// Command packet-decode prints a readable dump of a captured device packet.
//
// The packet is given as hex, either as arguments or on stdin:
//
//	packet-decode 14 00 00 00 33 00 00 00 40 00 00 00 ...
//	xxd -p capture.bin | packet-decode
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dbehnke/collar-nexus/pkg/logger"
	"github.com/dbehnke/collar-nexus/pkg/protocol"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	perLine := flag.Bool("lines", false, "Treat each stdin line as a separate packet")
	flag.Parse()

	if *showVersion {
		fmt.Printf("packet-decode %s\n", version)
		os.Exit(0)
	}

	log := logger.New(logger.Config{Level: "info", Format: "text"}).WithComponent("decode")

	if flag.NArg() > 0 {
		if err := decode(os.Stdout, strings.Join(flag.Args(), " ")); err != nil {
			log.Error("Failed to decode packet", logger.Error(err))
			os.Exit(1)
		}
		return
	}

	if !*perLine {
		input, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Error("Failed to read stdin", logger.Error(err))
			os.Exit(1)
		}
		if err := decode(os.Stdout, string(input)); err != nil {
			log.Error("Failed to decode packet", logger.Error(err))
			os.Exit(1)
		}
		return
	}

	failed := 0
	scanner := bufio.NewScanner(os.Stdin)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := decode(os.Stdout, text); err != nil {
			log.Warn("Skipping line", logger.Int("line", line), logger.Error(err))
			failed++
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("Failed to read stdin", logger.Error(err))
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func decode(w io.Writer, hex string) error {
	data, err := protocol.ParseHex(hex)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("empty input")
	}
	_, err = fmt.Fprint(w, protocol.Describe(data))
	return err
}
