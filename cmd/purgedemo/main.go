package main

import (
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/softmem/purgeable/pkg/platform"
	"github.com/softmem/purgeable/pkg/purgeable"
)

var (
	size    int64
	pattern uint
)

func parseFlags() {
	flag.Int64Var(&size, "size", 1<<20, "Content size in bytes")
	flag.UintVar(&pattern, "pattern", 0xAB, "Byte value the builder fills the content with")

	flag.Parse()
}

func main() {
	parseFlags()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)

	fmt.Printf("purgeable kernel support: %v\n", platform.Supported())

	obj, err := purgeable.New(size, purgeable.FillBytes(byte(pattern)))
	if err != nil {
		panic(err)
	}

	if err := obj.BeginRead(); err != nil {
		panic(err)
	}

	content := obj.Content()
	fmt.Printf("%s first=0x%02x last=0x%02x\n", obj, content[0], content[len(content)-1])

	obj.EndRead()

	if err := obj.Close(); err != nil {
		panic(err)
	}
}
