package vision

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxConfig ONNX Runtime 环境与会话选项
//
// 字段名与各引擎 Config 保持一致, 可以直接用 convertutil.CopyProperties 复制
type OnnxConfig struct {
	SessionOptions *ort.SessionOptions

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime.dll (或 .so, .dylib) 的路径
	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) ONNX 线程数, 默认由CPU核心数决定

	acquired bool
}

// 进程内只有一个 ONNX Runtime 环境, 最后一个使用者释放时销毁
var env struct {
	mu      sync.Mutex
	refs    int
	libPath string
}

func acquireEnvironment(libPath string) error {
	env.mu.Lock()
	defer env.mu.Unlock()

	if env.refs > 0 {
		if libPath != env.libPath {
			return fmt.Errorf("ONNX Runtime 已使用 %s 初始化, 无法切换到 %s", env.libPath, libPath)
		}
		env.refs++
		return nil
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", err)
	}
	env.refs, env.libPath = 1, libPath
	return nil
}

func releaseEnvironment() {
	env.mu.Lock()
	defer env.mu.Unlock()

	if env.refs == 0 {
		return
	}
	env.refs--
	if env.refs == 0 {
		ort.DestroyEnvironment()
		env.libPath = ""
	}
}

// New 初始化 ONNX 环境并创建会话选项
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return errors.New("OnnxRuntimeLibPath 不能为空")
	}
	if _, err := os.Stat(cfg.OnnxRuntimeLibPath); err != nil {
		return fmt.Errorf("找不到 ONNX Runtime 动态库: %w", err)
	}
	if err := acquireEnvironment(cfg.OnnxRuntimeLibPath); err != nil {
		return err
	}
	cfg.acquired = true

	options, err := cfg.sessionOptions()
	if err != nil {
		cfg.Destroy()
		return err
	}
	cfg.SessionOptions = options
	return nil
}

func (cfg *OnnxConfig) sessionOptions() (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("创建会话选项失败: %w", err)
	}
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("设置线程数失败: %w", err)
		}
	}

	// 启用CUDA
	if cfg.UseCuda {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
		}
	}
	return options, nil
}

// NewSession 创建输入输出形状由模型决定的会话
//
// # Params:
//
//	modelPath: ONNX 模型路径
//	inputs: 输入节点名称
//	outputs: 输出节点名称
func (cfg *OnnxConfig) NewSession(modelPath string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	if cfg.SessionOptions == nil {
		return nil, errors.New("ONNX 环境尚未初始化")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("找不到模型文件: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, cfg.SessionOptions)
	if err != nil {
		return nil, fmt.Errorf("创建 ONNX 会话失败: %w", err)
	}
	return session, nil
}

// Destroy 释放会话选项与环境引用
func (cfg *OnnxConfig) Destroy() {
	if cfg.SessionOptions != nil {
		cfg.SessionOptions.Destroy()
		cfg.SessionOptions = nil
	}
	if cfg.acquired {
		cfg.acquired = false
		releaseEnvironment()
	}
}

// DefaultLibraryPath 根据运行时环境判断加载哪个库文件
//
// 例如 ./lib/onnxruntime.dll, ./lib/onnxruntime_arm64.dylib, ./lib/onnxruntime_amd64.so
func DefaultLibraryPath() string {
	const base = "./lib/onnxruntime"
	switch runtime.GOOS {
	case "windows":
		return base + ".dll"
	case "darwin":
		return fmt.Sprintf("%s_%s.dylib", base, runtime.GOARCH)
	case "linux":
		return fmt.Sprintf("%s_%s.so", base, runtime.GOARCH)
	default:
		return base + "_amd64.so"
	}
}
