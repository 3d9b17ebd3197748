package logger

import (
	"go.uber.org/zap"
)

var l = zap.NewNop()

// Init 按运行模式初始化全局 zap logger
func Init(mode string) error {
	var (
		lg  *zap.Logger
		err error
	)
	if mode == "debug" || mode == "test" {
		lg, err = zap.NewDevelopment()
	} else {
		lg, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	l = lg
	return nil
}

func L() *zap.Logger { return l }

func Debug(msg string, fields ...zap.Field) { l.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { l.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { l.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { l.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { l.Fatal(msg, fields...) }

func Sync() { _ = l.Sync() }
