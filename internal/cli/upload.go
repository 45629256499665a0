package cli

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"meeting-transcript-service/internal/service/transcode"
)

func init() {
	cmd := &cobra.Command{
		Use:   "upload SESSION_ID FILE...",
		Short: "Upload audio as sequenced chunks",
		Long: "Each FILE is one chunk, numbered from --start in argument order. A single WAV file\n" +
			"can instead be split into --chunks pieces. --shuffle sends the chunks out of order\n" +
			"to exercise server-side reordering.",
		Args: cobra.MinimumNArgs(2),
		Run:  runUpload,
	}

	cmd.Flags().IntP("chunks", "c", 1, "Split a single WAV file into this many chunks")
	cmd.Flags().Int64("start", 0, "Sequence number of the first chunk")
	cmd.Flags().Bool("shuffle", false, "Send chunks in random order")
	cmd.Flags().Bool("wait", false, "Wait for each chunk to be admitted and print the result")
	cmd.Flags().Duration("delay", 0, "Pause between uploads")

	RootCmd.AddCommand(cmd)
}

// chunk is one numbered upload.
type chunk struct {
	Seq      int64
	Filename string
	Data     []byte
}

func runUpload(cmd *cobra.Command, args []string) {
	n, _ := cmd.Flags().GetInt("chunks")
	start, _ := cmd.Flags().GetInt64("start")
	shuffle, _ := cmd.Flags().GetBool("shuffle")
	wait, _ := cmd.Flags().GetBool("wait")
	delay, _ := cmd.Flags().GetDuration("delay")

	sessionID, files := args[0], args[1:]
	chunks, err := loadChunks(files, n, start)
	if err != nil {
		exitErr("prepare chunks", err)
	}
	if shuffle {
		rand.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
	}

	client := NewClient(getServerURL())
	for i, c := range chunks {
		out, err := client.UploadChunk(cmd.Context(), sessionID, c.Seq, c.Filename, c.Data, wait)
		if err != nil {
			exitErr(fmt.Sprintf("upload seq %d", c.Seq), err)
		}
		if wait {
			fmt.Printf("seq %d: %v (drained %v, next %v)\n", c.Seq, out["outcome"], out["drained"], out["expectedSeq"])
		} else {
			fmt.Printf("seq %d: %v (%d bytes)\n", c.Seq, out["status"], len(c.Data))
		}
		if delay > 0 && i < len(chunks)-1 {
			time.Sleep(delay)
		}
	}
}

// loadChunks reads files into numbered chunks. With n > 1 the single file
// must be a WAV, which is split into n valid WAV chunks.
func loadChunks(files []string, n int, start int64) ([]chunk, error) {
	if n > 1 {
		if len(files) != 1 {
			return nil, errors.New("--chunks needs exactly one file")
		}
		if strings.ToLower(filepath.Ext(files[0])) != ".wav" {
			return nil, errors.New("--chunks only splits .wav files")
		}
		data, err := os.ReadFile(files[0])
		if err != nil {
			return nil, err
		}
		return splitWAV(data, n, start, filepath.Base(files[0]))
	}

	chunks := make([]chunk, 0, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk{Seq: start + int64(i), Filename: filepath.Base(f), Data: data})
	}
	return chunks, nil
}

// splitWAV cuts the PCM payload into n sample-aligned pieces, each wrapped in
// its own WAV header.
func splitWAV(data []byte, n int, start int64, name string) ([]chunk, error) {
	pcm, err := transcode.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	samples := len(pcm.Samples) / 2
	if samples < n {
		return nil, fmt.Errorf("%s has %d samples, cannot split into %d chunks", name, samples, n)
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	chunks := make([]chunk, 0, n)
	for i := 0; i < n; i++ {
		from := samples * i / n * 2
		to := samples * (i + 1) / n * 2
		wav, err := transcode.EncodeWAV(pcm.Samples[from:to], pcm.SampleRate)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk{
			Seq:      start + int64(i),
			Filename: fmt.Sprintf("%s-%03d.wav", base, i),
			Data:     wav,
		})
	}
	return chunks, nil
}
