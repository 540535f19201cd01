// Package downloader fetches models from HuggingFace Hub so they can be
// imported locally. Besides the .onnx file itself it pulls the external
// weight payload files large models ship alongside it.
package downloader

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

var (
	huggingFaceAPI = "https://huggingface.co/api/models/"
	huggingFaceCDN = "https://huggingface.co/"
)

func init() {
	if apiURL := os.Getenv("HUGGINGFACE_API_URL"); apiURL != "" {
		huggingFaceAPI = apiURL
	}
	if cdnURL := os.Getenv("HUGGINGFACE_CDN_URL"); cdnURL != "" {
		huggingFaceCDN = cdnURL
	}
}

// ModelSource is a place models can be downloaded from.
type ModelSource interface {
	// DownloadModel fetches the model and its weight payload files into
	// destination and returns their local paths.
	DownloadModel(modelID string, destination string) (*DownloadResult, error)
}

// DownloadResult holds the local paths of the fetched files.
type DownloadResult struct {
	ModelPath string
	DataPaths []string
}

// Downloader drives a ModelSource.
type Downloader struct {
	source ModelSource
}

// NewDownloader returns a Downloader using the given source.
func NewDownloader(source ModelSource) *Downloader {
	return &Downloader{source: source}
}

// Download fetches a model through the configured source.
func (d *Downloader) Download(modelID string, destination string) (*DownloadResult, error) {
	return d.source.DownloadModel(modelID, destination)
}

// HuggingFaceSource downloads models from HuggingFace Hub.
type HuggingFaceSource struct {
	client *http.Client
	token  string
}

// NewHuggingFaceSource returns a source authenticating with the
// HF_TOKEN environment variable when it is set.
func NewHuggingFaceSource() *HuggingFaceSource {
	return &HuggingFaceSource{
		client: &http.Client{},
		token:  os.Getenv("HF_TOKEN"),
	}
}

type modelInfo struct {
	ModelID  string `json:"modelId"`
	Siblings []struct {
		RPath string `json:"rfilename"`
	} `json:"siblings"`
}

// isWeightPayload matches the external weight files ONNX models
// reference via their initializers' data location entries.
func isWeightPayload(path string) bool {
	return strings.HasSuffix(path, ".onnx_data") ||
		strings.HasSuffix(path, ".onnx.data") ||
		strings.HasSuffix(path, ".weight") ||
		strings.HasSuffix(path, ".bin")
}

// DownloadModel fetches the model's .onnx file and every external
// weight payload next to it.
func (h *HuggingFaceSource) DownloadModel(modelID string, destination string) (*DownloadResult, error) {
	info, err := h.fetchModelInfo(modelID)
	if err != nil {
		return nil, err
	}

	result := &DownloadResult{}
	for _, sibling := range info.Siblings {
		rPath := sibling.RPath
		switch {
		case strings.HasSuffix(rPath, ".onnx"):
			path := filepath.Join(destination, filepath.Base(rPath))
			if err := h.downloadFile(fileURL(modelID, rPath), path); err != nil {
				return nil, fmt.Errorf("failed to download model %s: %w", rPath, err)
			}
			result.ModelPath = path
		case isWeightPayload(rPath):
			path := filepath.Join(destination, filepath.Base(rPath))
			if err := h.downloadFile(fileURL(modelID, rPath), path); err != nil {
				return nil, fmt.Errorf("failed to download weight payload %s: %w", rPath, err)
			}
			result.DataPaths = append(result.DataPaths, path)
		}
	}

	if result.ModelPath == "" {
		return nil, fmt.Errorf("no ONNX model found for model ID: %s", modelID)
	}
	return result, nil
}

func (h *HuggingFaceSource) fetchModelInfo(modelID string) (*modelInfo, error) {
	req, err := http.NewRequest(http.MethodGet, huggingFaceAPI+modelID, nil)
	if err != nil {
		return nil, err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HuggingFace API returned non-OK status: %s", resp.Status)
	}
	var info modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode HuggingFace API response: %w", err)
	}
	return &info, nil
}

func fileURL(modelID, rPath string) string {
	return strings.TrimSuffix(huggingFaceCDN, "/") + "/" + modelID + "/resolve/main/" + rPath
}

func (h *HuggingFaceSource) downloadFile(url, filePath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	klog.V(1).Infof("Downloading %s", url)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %s", url, resp.Status)
	}

	out, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filePath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	return nil
}
