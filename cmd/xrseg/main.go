// xrseg 读取摄像头或图片, 检测结构损伤并通过 websocket 推送空间标签.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang/geo/r3"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/up-zero/gotool/imageutil"

	"github.com/getcharzp/go-vision-xr"
	"github.com/getcharzp/go-vision-xr/anchor"
	"github.com/getcharzp/go-vision-xr/broadcast"
	"github.com/getcharzp/go-vision-xr/capture"
	"github.com/getcharzp/go-vision-xr/capture/webcam"
	"github.com/getcharzp/go-vision-xr/geometry"
	"github.com/getcharzp/go-vision-xr/pipeline"
	"github.com/getcharzp/go-vision-xr/yoloseg"
)

type options struct {
	configPath string
	modelPath  string
	ortLib     string
	addr       string
	device     string
	images     string
	wall       float64
	eyeHeight  float64
	panelDir   string
	logLevel   string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// .env 可选
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("XRSEG_CONFIG"), "JSON 配置文件")
	flag.StringVar(&opts.modelPath, "model", os.Getenv("XRSEG_MODEL"), "ONNX 模型路径")
	flag.StringVar(&opts.ortLib, "ort-lib", os.Getenv("XRSEG_ORT_LIB"), "ONNX Runtime 动态库路径")
	flag.StringVar(&opts.addr, "addr", envOr("XRSEG_ADDR", ":8080"), "websocket 监听地址")
	flag.StringVar(&opts.device, "device", "0", "摄像头设备号或视频地址")
	flag.StringVar(&opts.images, "images", "", "以逗号分隔的图片, 设置后代替摄像头循环回放")
	flag.Float64Var(&opts.wall, "wall", 1.5, "没有场景网格时, 假设相机前方墙面的距离 (米)")
	flag.Float64Var(&opts.eyeHeight, "eye-height", 1.6, "相机高度 (米)")
	flag.StringVar(&opts.panelDir, "panel-dir", "", "(可选) 同时将结果画面保存到该目录")
	flag.StringVar(&opts.logLevel, "log-level", "info", "日志级别")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		log.WithError(err).Fatal("无效的日志级别")
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("运行失败")
	}
}

func loadConfig(opts options) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = pipeline.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if opts.modelPath != "" {
		cfg.Model.ModelPath = opts.modelPath
	}
	if opts.ortLib != "" {
		cfg.Model.OnnxRuntimeLibPath = opts.ortLib
	}
	return cfg, cfg.Validate()
}

func openSource(opts options) (capture.Source, error) {
	if opts.images != "" {
		return capture.OpenFiles(true, strings.Split(opts.images, ",")...)
	}
	return webcam.Open(webcam.Config{Device: opts.device})
}

func run(ctx context.Context, opts options, log *logrus.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	engine, err := yoloseg.NewSegEngine(cfg.Model)
	if err != nil {
		return fmt.Errorf("初始化模型失败: %w", err)
	}
	defer engine.Destroy()

	source, err := openSource(opts)
	if err != nil {
		return err
	}
	defer source.Close()

	drawer, err := vision.NewDefaultTextDrawer()
	if err != nil {
		return err
	}
	defer drawer.Close()

	// 固定相机与一面虚拟墙代替头显的位姿与空间网格
	pose := geometry.NewPose(r3.Vector{Y: opts.eyeHeight}, geometry.Identity())
	scene := &geometry.Scene{}
	scene.Add(geometry.Plane{
		Point:  pose.Position.Add(pose.Forward().Mul(opts.wall)),
		Normal: pose.Forward().Mul(-1),
	}, geometry.LayerSpatialMesh)

	var runner *pipeline.Runner
	hub := broadcast.NewHub(log, func(c broadcast.Command) {
		handleCommand(runner, c, log)
	})
	defer hub.Close()

	var frames pipeline.FrameSink = hub
	if opts.panelDir != "" {
		if err := os.MkdirAll(opts.panelDir, 0o755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
		frames = &panelSaver{FrameSink: hub, dir: opts.panelDir}
	}

	runner, err = pipeline.NewRunner(cfg, pipeline.Deps{
		Source:   source,
		Model:    engine,
		Poses:    pipeline.StaticPose(pose),
		Labels:   hub,
		Surfaces: scene,
		Frames:   frames,
		Drawer:   drawer,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := &http.Server{Addr: opts.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.WithField("addr", opts.addr).Info("websocket 服务启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("websocket 服务异常退出")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	return runner.Run(ctx)
}

func handleCommand(r *pipeline.Runner, c broadcast.Command, log *logrus.Logger) {
	if r == nil {
		return
	}
	entry := log.WithField("command", c.Type)
	var err error
	switch c.Type {
	case "toggle":
		entry = entry.WithField("enabled", r.Toggle())
	case "snapshot":
		var p pipeline.Panel
		if p, err = r.SnapshotPanel(); err == nil {
			entry = entry.WithField("panel", p.Seq).WithFields(placementOf(p.Placement))
		}
	case "pin":
		_, err = r.PinLastPanel()
	case "drop":
		_, err = r.DropLastPanel()
	default:
		entry.Debug("未知指令")
		return
	}
	if err != nil {
		entry.WithError(err).Warn("执行指令失败")
		return
	}
	entry.Info("执行指令")
}

// panelSaver 显示结果画面的同时保存为图片
type panelSaver struct {
	pipeline.FrameSink
	dir string
}

func (s *panelSaver) ShowPanel(p pipeline.Panel) error {
	path := filepath.Join(s.dir, fmt.Sprintf("panel_%04d_frame_%d.png", p.Seq, p.FrameSeq))
	if err := imageutil.Save(path, p.Image, 100); err != nil {
		return fmt.Errorf("保存结果画面失败: %w", err)
	}
	return s.FrameSink.ShowPanel(p)
}

var _ pipeline.FrameSink = (*panelSaver)(nil)

// placementOf 便于日志输出
func placementOf(p anchor.PanelPlacement) logrus.Fields {
	return logrus.Fields{"x": p.Position.X, "y": p.Position.Y, "z": p.Position.Z}
}
