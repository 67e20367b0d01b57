package main

import (
	"flag"
	"log"
	"os"

	"github.com/wbrown/byte_bpe/resources"
)

func main() {
	modelId := flag.String("model", "",
		"model URL or path to fetch")
	destPath := flag.String("dest", "./",
		"where to download the model to")
	auth := flag.String("auth", "",
		"optional bearer token for remote fetches")
	flag.Parse()
	if *modelId == "" {
		flag.Usage()
		log.Fatal("Must provide -model")
	}

	os.MkdirAll(*destPath, 0755)
	rsrcs, rsrcErr := resources.ResolveModel(*modelId, destPath, *auth)
	if rsrcErr != nil {
		log.Fatalf("Error downloading model resources: %s", rsrcErr)
	}
	rsrcs.Cleanup()
}
