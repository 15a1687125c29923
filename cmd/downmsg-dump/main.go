package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/dj-oyu/xr-streaming-server/internal/downmsg"
	"github.com/dj-oyu/xr-streaming-server/internal/recorder"
)

type dumpRecord struct {
	recorder.Record
	Decoded *downmsg.DownMessage `json:"decoded,omitempty"`
	Error   string               `json:"decode_error,omitempty"`
}

func main() {
	var (
		path  = flag.String("path", "", "Path to recording (.h264) or its .downmsg.cbor sidecar")
		limit = flag.Int("limit", 0, "Number of records to dump (0 = all)")
		raw   = flag.Bool("raw", false, "Print the encoded Down-Message bytes instead of decoding them")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	sidecarPath := *path
	if _, err := os.Stat(recorder.SidecarPath(*path)); err == nil {
		sidecarPath = recorder.SidecarPath(*path)
	}

	f, err := os.Open(sidecarPath)
	if err != nil {
		log.Fatalf("open sidecar: %v", err)
	}
	defer f.Close()

	sr, err := recorder.NewSidecarReader(f)
	if err != nil {
		log.Fatalf("read sidecar: %v", err)
	}

	count := 0
	for {
		if *limit > 0 && count >= *limit {
			return
		}
		rec, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("record %d: %v", count, err)
			return
		}

		out := dumpRecord{Record: rec}
		if !*raw {
			out.DownMessage = nil
			if len(rec.DownMessage) > 0 {
				dm, err := downmsg.DecodeDown(rec.DownMessage)
				if err != nil {
					out.Error = err.Error()
				} else {
					out.Decoded = &dm
				}
			}
		}

		pretty, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			continue
		}

		log.Printf("record %d pts=%s size=%d", count, time.Duration(rec.PTSNS), rec.Size)
		fmt.Println(string(pretty))
		count++
	}
}
