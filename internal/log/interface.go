package log

// Modular is a log printer that allows you to branch child modules with
// extra context attached.
type Modular interface {
	With(keyValues ...any) Modular

	Errorf(format string, v ...any)
	Warnf(format string, v ...any)
	Infof(format string, v ...any)
	Debugf(format string, v ...any)
}
