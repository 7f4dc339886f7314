package pqvolume

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls parallel block processing
type ParallelConfig struct {
	// Enabled enables parallel block processing
	Enabled bool `yaml:"enabled"`

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int `yaml:"max_workers" validate:"min=0,max=1024"`

	// MinBlocksForParallel is the minimum number of blocks to use parallel processing
	// Below this threshold, sequential processing is used
	MinBlocksForParallel int `yaml:"min_blocks_for_parallel" validate:"min=0,max=1000"`
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinBlocksForParallel < 1 {
		return errors.New("parallel min blocks threshold must be at least 1")
	}
	if p.MinBlocksForParallel > 1000 {
		return errors.New("parallel min blocks threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinBlocksForParallel: 4,
	}
}

// blockJob is one block to seal or open
type blockJob struct {
	slot      uint64
	nonce     []byte
	plaintext []byte
	sealed    []byte // ciphertext ‖ tag
}

// runBlockJobs applies fn to every job, fanning out to workers when the
// batch is large enough. A panicking worker is turned into an error.
func runBlockJobs(cfg ParallelConfig, jobs []blockJob, kind string, fn func(*blockJob) error) error {
	if len(jobs) == 0 {
		return nil
	}

	if !cfg.Enabled || len(jobs) < cfg.MinBlocksForParallel {
		for i := range jobs {
			if err := fn(&jobs[i]); err != nil {
				return err
			}
		}
		return nil
	}

	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, len(jobs))
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic in %s worker: %v", kind, r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for idx := range jobChan {
				if err := fn(&jobs[idx]); err != nil {
					select {
					case errChan <- err:
					default:
					}
					return
				}
			}
		}()
	}

	for i := range jobs {
		jobChan <- i
	}
	close(jobChan)

	wg.Wait()
	close(errChan)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

// sealBlocks seals every job's plaintext under its nonce
func sealBlocks(engine CipherEngine, cfg ParallelConfig, jobs []blockJob) error {
	return runBlockJobs(cfg, jobs, "encryption", func(j *blockJob) error {
		sealed, err := engine.Seal(j.nonce, j.plaintext, blockAD(j.slot))
		if err != nil {
			return err
		}
		j.sealed = sealed
		return nil
	})
}

// openBlocks authenticates and decrypts every job. The first failure is
// returned as a *BlockError.
func openBlocks(engine CipherEngine, cfg ParallelConfig, jobs []blockJob) error {
	return runBlockJobs(cfg, jobs, "decryption", func(j *blockJob) error {
		plaintext, err := engine.Open(j.nonce, j.sealed, blockAD(j.slot))
		if err != nil {
			return &BlockError{Operation: "read", Index: j.slot, Err: err}
		}
		j.plaintext = plaintext
		return nil
	})
}
