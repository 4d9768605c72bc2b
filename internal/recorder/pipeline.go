// Package recorder implements the recording pipeline that runs on a
// recorder node: fetch the demo archive, decompress it, record the
// highlight with an engine from the pool, and upload the result.
package recorder

import (
	"compress/bzip2"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/keylock"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
	"github.com/Run1e/STRIKER-sub000/internal/pool"
)

// Config carries the pipeline paths and endpoints.
type Config struct {
	// DemoDir caches downloaded demo archives across jobs.
	DemoDir string
	// TempDir holds per-job scratch files.
	TempDir string
	// UploadURL receives the finished video. Empty disables upload,
	// leaving the video in TempDir.
	UploadURL string
	// UploadToken is sent in the Authorization header on upload.
	UploadToken string
	// HTTPTimeout bounds the download and upload requests.
	HTTPTimeout time.Duration
}

// Pipeline produces one video per RequestRecording. Demo downloads
// are serialized per archive so concurrent jobs on the same demo
// fetch it once.
type Pipeline struct {
	log     *log.Logger
	cfg     Config
	client  *http.Client
	engines *pool.Pool[Engine]
	locks   *keylock.Store
}

// New builds a pipeline over the given engine pool.
func New(logger *log.Logger, engines *pool.Pool[Engine], cfg Config) *Pipeline {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 20 * time.Second
	}
	return &Pipeline{
		log:     logger,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		engines: engines,
		locks:   keylock.New(),
	}
}

// Record runs the full pipeline for one recording request.
func (p *Pipeline) Record(ctx context.Context, cmd *msg.RequestRecording) error {
	demoPath := filepath.Join(p.cfg.TempDir, fmt.Sprintf("%s.dem", cmd.JobID))
	videoPath := filepath.Join(p.cfg.TempDir, fmt.Sprintf("%s.mp4", cmd.JobID))
	defer os.Remove(demoPath)
	defer os.Remove(videoPath)

	if err := p.fetchDemo(ctx, cmd, demoPath); err != nil {
		return err
	}

	err := p.engines.With(ctx, func(e Engine) error {
		return e.Record(ctx, RecordJob{
			Request:   cmd,
			DemoPath:  demoPath,
			VideoPath: videoPath,
		})
	})
	if err != nil {
		return err
	}

	if p.cfg.UploadURL == "" {
		p.log.Printf("upload disabled, leaving video job=%s path=%s", cmd.JobID, videoPath)
		return nil
	}
	return p.upload(ctx, cmd, videoPath)
}

// fetchDemo produces the decompressed demo file for the request,
// downloading the archive first unless a previous job cached it.
func (p *Pipeline) fetchDemo(ctx context.Context, cmd *msg.RequestRecording, demoPath string) error {
	archivePath, err := p.archivePath(cmd)
	if err != nil {
		return err
	}

	release, err := p.locks.Acquire(ctx, archivePath)
	if err != nil {
		return err
	}
	defer release()

	if _, err := os.Stat(archivePath); err != nil {
		if err := p.download(ctx, cmd, archivePath); err != nil {
			return err
		}
	}

	if err := decompress(archivePath, demoPath); err != nil {
		p.log.Printf("decompress failed job=%s archive=%s err=%v", cmd.JobID, archivePath, err)
		// A corrupt cached archive should not poison every retry.
		os.Remove(archivePath)
		return msg.Domainf("Demo corrupted.")
	}
	return nil
}

func (p *Pipeline) archivePath(cmd *msg.RequestRecording) (string, error) {
	u, err := url.Parse(cmd.DemoURL)
	if err != nil || path.Base(u.Path) == "." {
		return "", msg.Domainf("The demo download link is not usable.")
	}
	name := fmt.Sprintf("%s_%s", strings.ToLower(cmd.DemoOrigin), path.Base(u.Path))
	return filepath.Join(p.cfg.DemoDir, name), nil
}

func (p *Pipeline) download(ctx context.Context, cmd *msg.RequestRecording, archivePath string) error {
	p.log.Printf("downloading demo archive job=%s url=%s", cmd.JobID, cmd.DemoURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cmd.DemoURL, nil)
	if err != nil {
		return msg.Domainf("The demo download link is not usable.")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return msg.Domainf("Unable to download demo archive.")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return msg.Domainf("Failed fetching demo archive.")
	}

	tempPath := archivePath + ".part"
	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tempPath)
		return msg.Domainf("Unable to download demo archive.")
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing archive file: %w", err)
	}

	if err := os.Rename(tempPath, archivePath); err != nil {
		return fmt.Errorf("renaming archive: %w", err)
	}
	return nil
}

// decompress expands an archive into a plain demo file, picking the
// codec from the archive suffix. Unrecognized suffixes are copied.
func decompress(archivePath, demoPath string) error {
	in, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer in.Close()

	var reader io.Reader = in
	switch filepath.Ext(archivePath) {
	case ".bz2":
		reader = bzip2.NewReader(in)
	case ".gz":
		gz, err := gzip.NewReader(in)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}

	out, err := os.Create(demoPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(demoPath)
		return err
	}
	return out.Close()
}

func (p *Pipeline) upload(ctx context.Context, cmd *msg.RequestRecording, videoPath string) error {
	f, err := os.Open(videoPath)
	if err != nil {
		return fmt.Errorf("opening video: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		part, err := form.CreateFormFile("video", fmt.Sprintf("%s.mp4", cmd.JobID))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UploadURL, pr)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Job-ID", cmd.JobID.String())
	if p.cfg.UploadToken != "" {
		req.Header.Set("Authorization", p.cfg.UploadToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return msg.Domainf("Unable to upload video.")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.log.Printf("upload rejected job=%s status=%d", cmd.JobID, resp.StatusCode)
		return msg.Domainf("Upload failed.")
	}

	p.log.Printf("video uploaded job=%s", cmd.JobID)
	return nil
}
