//go:build darwin

package fibz

import "golang.org/x/sys/unix"

// platformPoller is the kqueue half of the fd-wait facility. Filters are
// added one-shot; an EVFILT_USER event unblocks the wait for shutdown.
type platformPoller struct {
	kq int
}

const wakeIdent = 1

func (p *platformPoller) open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	wake := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		unix.Close(kq)
		return err
	}
	p.kq = kq
	return nil
}

// arm registers one-shot read/write filters for fd.
func (p *platformPoller) arm(fd int, events FdEvents) error {
	var changes []unix.Kevent_t
	if events&FdRead != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		})
	}
	if events&FdWrite != 0 {
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		})
	}
	if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
		if err == unix.EBADF {
			return ErrBadFD
		}
		return ErrInvalid
	}
	return nil
}

func (p *platformPoller) disarm(fd int) {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.kq, changes, nil, nil) //nolint:errcheck
}

// wait blocks until readiness and appends the ready descriptors to out.
func (p *platformPoller) wait(out []int) ([]int, error) {
	var buf [128]unix.Kevent_t
	for {
		n, err := unix.Kevent(p.kq, nil, buf[:], nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return out, err
		}
		for i := 0; i < n; i++ {
			if buf[i].Filter == unix.EVFILT_USER {
				continue
			}
			out = append(out, int(buf[i].Ident))
		}
		return out, nil
	}
}

// poke unblocks a pending wait.
func (p *platformPoller) poke() {
	trigger := unix.Kevent_t{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{trigger}, nil, nil) //nolint:errcheck
}

func (p *platformPoller) close() {
	unix.Close(p.kq)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
