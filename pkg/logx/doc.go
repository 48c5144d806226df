// Package logx is a thin facade over zerolog.
//
// It exists so components can take a Logger by value (zero value is a
// safe no-op) and so sinks/levels can be swapped at runtime via
// Service.Apply without invalidating loggers already handed out.
package logx
