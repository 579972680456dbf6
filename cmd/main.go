// Command imgmeta prints the metadata of image files as YAML.
//
// Arguments may be file paths, seekable zstd archives (.zst), http(s) URLs or
// base64 data URIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sebnyberg/imgmeta"
	"github.com/sebnyberg/imgmeta/sourcex"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func open(arg string) (sourcex.Source, error) {
	switch {
	case strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"):
		return sourcex.NewHTTP(arg, nil), nil
	case strings.HasPrefix(arg, "data:"):
		src, err := sourcex.NewBase64(arg)
		if err != nil {
			return nil, err
		}
		return src, nil
	case strings.HasSuffix(arg, ".zst"):
		return sourcex.OpenZstd(arg)
	}
	return sourcex.OpenFile(arg)
}

func main() {
	var (
		debug     = flag.Bool("debug", false, "log scanner activity to stderr")
		all       = flag.Bool("all", false, "extract every block and payload")
		collect   = flag.Bool("collect", false, "report per-block errors instead of failing")
		raw       = flag.Bool("raw", false, "keep resolved pointer tags in the output")
		segments  = flag.Bool("segments", false, "also list structural and unknown jpeg segments")
		afterSos  = flag.Bool("after-sos", false, "keep scanning jpeg files past the start of scan")
		chunkSize = flag.Int("chunk", 0, "size of sequential reads in bytes")
		limit     = flag.Int("chunks", 0, "maximum number of sequential reads")
		timeout   = flag.Duration("timeout", 30*time.Second, "timeout per input")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file|url|data-uri...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *debug {
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			log.Fatalln(err)
		}
		defer logger.Sync()
	}

	opts := imgmeta.DefaultOptions()
	if *all {
		opts = imgmeta.AllOptions()
	}
	opts.CollectErrors = *collect
	opts.Sanitize = !*raw
	opts.RecordJpegSegments = *segments
	opts.RecordUnknownSegments = *segments
	opts.StopAfterSos = !*afterSos
	if *chunkSize > 0 {
		opts.ChunkSize = *chunkSize
	}
	if *limit > 0 {
		opts.ChunkLimit = *limit
	}
	opts.Logger = logger

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	failed := false
	for _, arg := range flag.Args() {
		md, err := parse(arg, opts, *timeout)
		if err != nil {
			log.Printf("%s: %v", arg, err)
			failed = true
			continue
		}
		if err := enc.Encode(map[string]*imgmeta.Metadata{arg: md}); err != nil {
			log.Fatalln(err)
		}
	}
	if err := enc.Close(); err != nil {
		log.Fatalln(err)
	}
	if failed {
		os.Exit(1)
	}
}

func parse(arg string, opts imgmeta.Options, timeout time.Duration) (*imgmeta.Metadata, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	src, err := open(arg)
	if err != nil {
		return nil, err
	}
	return imgmeta.Parse(ctx, src, opts)
}
