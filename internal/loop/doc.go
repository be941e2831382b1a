// Package loop provides Engine, a lifecycle-controlled component that owns one
// goroutine calling Worker.DoWork repeatedly and resting ("taking a vacation")
// for the duration DoWork asks for.
//
// The rest can be cut short by AbortVacation (e.g. new work arrived) or by an
// extra signal channel configured with WithSignal. Stop and Pause cancel the
// loop context and join the goroutine before returning, so an engine reported
// as Stopped never has a loop still unwinding.
//
// Failures from DoWork never kill the loop: they are logged and followed by a
// bounded backoff (ErrorTimeout) that a Stop interrupts immediately.
package loop
