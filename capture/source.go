// Package capture 提供帧循环的画面来源.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/up-zero/gotool/imageutil"
)

var (
	// ErrClosed 来源已关闭
	ErrClosed = errors.New("画面来源已关闭")
	// ErrExhausted 非循环来源的画面已读完
	ErrExhausted = errors.New("画面已读完")
)

// Source 画面来源
type Source interface {
	// Read 读取下一帧, 阻塞时需响应 ctx 取消
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

// StaticSource 依次返回内存中的图片, 用于回放与测试
type StaticSource struct {
	mu     sync.Mutex
	frames []image.Image
	next   int
	loop   bool
	closed bool
}

// NewStaticSource 创建静态来源
//
// # Params:
//
//	loop: 读完后是否从头开始
//	frames: 图片列表
func NewStaticSource(loop bool, frames ...image.Image) *StaticSource {
	return &StaticSource{frames: frames, loop: loop}
}

// OpenFiles 从图片文件创建静态来源
func OpenFiles(loop bool, paths ...string) (*StaticSource, error) {
	frames := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := imageutil.Open(p)
		if err != nil {
			return nil, fmt.Errorf("打开图片 %s 失败: %w", p, err)
		}
		frames = append(frames, img)
	}
	return NewStaticSource(loop, frames...), nil
}

// Read 实现 Source
func (s *StaticSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.next >= len(s.frames) {
		if !s.loop || len(s.frames) == 0 {
			return nil, ErrExhausted
		}
		s.next = 0
	}
	img := s.frames[s.next]
	s.next++
	return img, nil
}

// Close 实现 Source
func (s *StaticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
