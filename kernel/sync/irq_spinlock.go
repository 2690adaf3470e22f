package sync

import "lumos/kernel/cpu"

// IRQSpinlock is a Spinlock that additionally disables interrupts on the
// local CPU for the duration of the critical section, preventing an
// interrupt handler on the same core from re-entering a lock its own
// interrupted task already holds. It is used by subsystems that may be
// invoked from interrupt context, such as the physical frame allocator.
type IRQSpinlock struct {
	inner    Spinlock
	irqState bool
}

// Acquire disables interrupts on the current CPU and blocks until the lock
// is acquired.
func (l *IRQSpinlock) Acquire() {
	prev := cpu.FlagsRegister()&(1<<9) != 0
	cpu.DisableInterrupts()
	l.inner.Acquire()
	l.irqState = prev
}

// Release relinquishes the lock and restores the interrupt-enable state
// that was in effect immediately before the matching Acquire.
func (l *IRQSpinlock) Release() {
	prev := l.irqState
	l.inner.Release()
	if prev {
		cpu.EnableInterrupts()
	}
}
