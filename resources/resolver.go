package resources

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
)

type ResourceFlag uint8

// Enumeration of resource flags that indicate what the resolver should do
// with a model file.
const (
	RESOURCE_REQUIRED ResourceFlag = 1 << iota
	RESOURCE_OPTIONAL
)

type ResourceEntryDefs map[string]ResourceFlag

// GetModelEntries
// Returns the set of files that make up a trained model on disk. Only the
// merge table is required; the vocabulary and config are derived data that
// loaders verify when present.
func GetModelEntries() ResourceEntryDefs {
	return ResourceEntryDefs{
		"merges.json":           RESOURCE_REQUIRED,
		"vocab.json":            RESOURCE_OPTIONAL,
		"tokenizer_config.json": RESOURCE_OPTIONAL,
	}
}

// WriteCounter counts the number of bytes written to it, and every 10 seconds,
// it prints a message reporting the number of bytes written so far.
type WriteCounter struct {
	Total    uint64
	Last     time.Time
	Reported bool
	Path     string
	Size     uint64
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	n := len(p)
	wc.Total += uint64(n)
	if time.Now().Sub(wc.Last).Seconds() > 10 {
		wc.Reported = true
		wc.Last = time.Now()
		log.Print(fmt.Sprintf("Downloading %s... %s / %s completed.",
			wc.Path, humanize.Bytes(wc.Total), humanize.Bytes(wc.Size)))
	}
	return n, nil
}

func isValidUrl(toTest string) bool {
	_, err := url.ParseRequestURI(toTest)
	if err != nil {
		return false
	}

	u, err := url.Parse(toTest)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	return true
}

// Fetch
// Given a base URI and a resource name, determines if the resource is local
// or remote. If local, returns a file handle to the resource; if remote,
// fetches the resource and returns a ReadCloser to it.
func Fetch(uri string, rsrc string, auth string) (io.ReadCloser, error) {
	if isValidUrl(uri) {
		return FetchHTTP(uri, rsrc, auth)
	} else if _, err := os.Stat(path.Join(uri, rsrc)); !os.IsNotExist(err) {
		if handle, fileErr := os.Open(path.Join(uri, rsrc)); fileErr != nil {
			return nil, fmt.Errorf("error opening %s/%s: %v",
				uri, rsrc, fileErr)
		} else {
			return handle, fileErr
		}
	}
	return nil, fmt.Errorf("no such resource: %s/%s", uri, rsrc)
}

// Size
// Given a base URI and a resource name, determine the size of the resource.
func Size(uri string, rsrc string, auth string) (uint, error) {
	if isValidUrl(uri) {
		return SizeHTTP(uri, rsrc, auth)
	} else if fsz, err := os.Stat(path.Join(uri, rsrc)); !os.IsNotExist(err) {
		return uint(fsz.Size()), nil
	}
	return 0, fmt.Errorf("no such resource: %s/%s", uri, rsrc)
}

// AddEntry
// Add a model file to the Resources map, opening it as a mmap.Map.
func (rsrcs *Resources) AddEntry(name string, file *os.File) error {
	fileMmap, mmapErr := readMmap(file)
	if mmapErr != nil {
		return fmt.Errorf("error trying to mmap file: %s", mmapErr)
	} else {
		(*rsrcs)[name] = ResourceEntry{file, fileMmap}
	}
	return nil
}

// ResolveModel resolves the model files at a given uri, and checks if they
// exist in the given directory. If they don't exist there, they are
// downloaded. A nil dir reads a local uri in place, or downloads a remote
// uri to a temporary directory that is removed once the files are mapped.
func ResolveModel(uri string, dir *string, auth string) (*Resources, error) {
	foundResources := make(Resources, 0)
	entries := GetModelEntries()

	if dir == nil {
		if stat, statErr := os.Stat(uri); statErr == nil && stat.IsDir() {
			dir = &uri
		} else {
			tempDir, tempErr := os.MkdirTemp("", "byte_bpe")
			if tempErr != nil {
				return nil, tempErr
			}
			defer os.RemoveAll(tempDir)
			dir = &tempDir
		}
	}

	for file, flag := range entries {
		var rsrcFile os.File
		log.Printf("Resolving %s/%s... ", uri, file)
		targetPath := path.Join(*dir, file)
		rsrcSize, rsrcSizeErr := Size(uri, file, auth)
		if rsrcSizeErr != nil {
			if flag&RESOURCE_REQUIRED != 0 {
				log.Printf("%s/%s not found, required!", uri, file)
				return &foundResources, fmt.Errorf(
					"cannot retrieve required `%s` from `%s`: %s",
					file, uri, rsrcSizeErr)
			}
			log.Printf("Resolved %s/%s... not there, not required.",
				uri, file)
			continue
		} else if targetStat, targetStatErr := os.Stat(
			targetPath); targetStatErr == nil &&
			uint(targetStat.Size()) == rsrcSize {
			openFile, skipFileErr := os.OpenFile(targetPath,
				os.O_RDONLY, 0755)
			if skipFileErr != nil {
				return &foundResources, fmt.Errorf(
					"error opening '%s': %s", file, skipFileErr)
			} else {
				rsrcFile = *openFile
			}
		} else if rsrcReader, rsrcErr := Fetch(uri, file, auth); rsrcErr != nil {
			return &foundResources, fmt.Errorf(
				"cannot retrieve `%s` from `%s`: %s", file, uri, rsrcErr)
		} else {
			openFile, rsrcFileErr := os.OpenFile(targetPath,
				os.O_TRUNC|os.O_RDWR|os.O_CREATE, 0755)
			if rsrcFileErr != nil {
				return &foundResources, fmt.Errorf(
					"error opening '%s' for write: %s", file, rsrcFileErr)
			}
			rsrcFile = *openFile
			counter := &WriteCounter{
				Last: time.Now(),
				Path: fmt.Sprintf("%s/%s", uri, file),
				Size: uint64(rsrcSize),
			}
			bytesDownloaded, ioErr := io.Copy(&rsrcFile,
				io.TeeReader(rsrcReader, counter))
			rsrcReader.Close()
			if ioErr != nil {
				return &foundResources, fmt.Errorf(
					"error downloading '%s': %s", file, ioErr)
			}
			log.Println(fmt.Sprintf("Downloaded %s/%s... %s completed.",
				uri, file, humanize.Bytes(uint64(bytesDownloaded))))
			if _, seekErr := rsrcFile.Seek(0, 0); seekErr != nil {
				return &foundResources, fmt.Errorf(
					"cannot seek '%s': %s", file, seekErr)
			}
		}
		if mmapErr := foundResources.AddEntry(file,
			&rsrcFile); mmapErr != nil {
			return &foundResources, mmapErr
		}
	}
	if _, ok := foundResources["merges.json"]; !ok {
		return &foundResources, errors.New(
			"model is missing its merge table")
	}
	return &foundResources, nil
}
