// Package webcam 通过 OpenCV 读取摄像头或视频流.
package webcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/getcharzp/go-vision-xr/capture"
)

var _ capture.Source = (*Source)(nil)

// Config 设备参数
type Config struct {
	Device string // 设备号 ("0") 或视频地址 (rtsp://, 文件路径)
	Width  int    // (可选) 期望分辨率
	Height int
}

// Source 基于 gocv.VideoCapture 的画面来源
type Source struct {
	mu  sync.Mutex
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// Open 打开设备
func Open(cfg Config) (*Source, error) {
	vc, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("打开设备 %s 失败: %w", cfg.Device, err)
	}
	// 只保留最新的一帧
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	return &Source{cap: vc, mat: gocv.NewMat()}, nil
}

// Read 读取一帧并转换为 image.Image
func (s *Source) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cap == nil {
		return nil, capture.ErrClosed
	}
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, errors.New("读取帧失败")
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("帧格式转换失败: %w", err)
	}
	return img, nil
}

// Close 释放设备
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cap == nil {
		return nil
	}
	s.mat.Close()
	err := s.cap.Close()
	s.cap = nil
	return err
}
