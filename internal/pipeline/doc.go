// Package pipeline 提供分层加载使用的异步原语：有界工作池 Pool、
// 完成回调的执行上下文 Executor，以及单次完成的 Future。
package pipeline
