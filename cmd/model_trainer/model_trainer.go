package main

import (
	"flag"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/wbrown/byte_bpe"
)

func main() {
	inputPath := flag.String("input", "",
		"path to the UTF-8 training corpus")
	vocabSize := flag.Int("vocab-size", 1024,
		"target vocabulary size, 256 base tokens plus merges")
	destPath := flag.String("dest", "./",
		"directory to write the trained model to")
	flag.Parse()
	if *inputPath == "" {
		flag.Usage()
		log.Fatal("Must provide -input")
	}
	if *vocabSize < 256 {
		log.Fatalf("-vocab-size must be at least 256, got %d", *vocabSize)
	}

	corpus, readErr := os.ReadFile(*inputPath)
	if readErr != nil {
		log.Fatalf("Error reading `%s`: %v", *inputPath, readErr)
	}

	encoder, trained := byte_bpe.Train(corpus, *vocabSize)
	log.Printf("Trained %d merges over %s of corpus, %d final tokens.",
		len(encoder.Merges), humanize.Bytes(uint64(len(corpus))),
		len(trained))

	if mkdirErr := os.MkdirAll(*destPath, 0755); mkdirErr != nil {
		log.Fatalf("Error creating `%s`: %v", *destPath, mkdirErr)
	}
	if saveErr := encoder.Save(*destPath); saveErr != nil {
		log.Fatalf("Error writing model to `%s`: %v", *destPath, saveErr)
	}
	log.Printf("Model written to %s.", *destPath)
}
