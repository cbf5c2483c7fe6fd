package attachment

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	chunker "github.com/ipfs/boxo/chunker"
	"golang.org/x/crypto/blake2b"
)

type chunk struct {
	hash [blake2b.Size256]byte
	data []byte
}

// chunkReader splits r at buzhash boundaries and hashes the chunks in
// parallel. The result is in stream order.
func chunkReader(r io.Reader) ([]chunk, error) {
	bz := chunker.NewBuzhash(r)

	workers := runtime.NumCPU()*2 - 1
	limit := make(chan struct{}, workers)
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		chunks []chunk
	)
	for i := 0; ; i++ {
		data, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			wg.Wait()
			return nil, fmt.Errorf("error reading chunk: %w", err)
		}

		mu.Lock()
		chunks = append(chunks, chunk{data: data})
		mu.Unlock()

		wg.Add(1)
		limit <- struct{}{}
		go func(i int, data []byte) {
			defer wg.Done()
			h := blake2b.Sum256(data)
			mu.Lock()
			chunks[i].hash = h
			mu.Unlock()
			<-limit
		}(i, data)
	}
	wg.Wait()
	return chunks, nil
}
