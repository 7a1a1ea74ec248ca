//go:build linux

package fibz

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// platformPoller is the epoll half of the fd-wait facility. Descriptors
// are armed one-shot, so a readiness report disarms the fd until the
// next FdWait re-arms it. A nonblocking eventfd in the set unblocks the
// wait for shutdown.
type platformPoller struct {
	epfd   int
	wakefd int
}

func (p *platformPoller) open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return err
	}
	p.epfd = epfd
	p.wakefd = wakefd
	return nil
}

func epollEvents(events FdEvents) uint32 {
	var e uint32 = unix.EPOLLONESHOT
	if events&FdRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&FdWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// arm registers or re-arms fd for one-shot readiness.
func (p *platformPoller) arm(fd int, events FdEvents) error {
	ev := unix.EpollEvent{Events: epollEvents(events), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	switch err {
	case nil:
		return nil
	case unix.EBADF:
		return ErrBadFD
	default:
		return ErrInvalid
	}
}

func (p *platformPoller) disarm(fd int) {
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil) //nolint:errcheck
}

// wait blocks until readiness and appends the ready descriptors to out.
func (p *platformPoller) wait(out []int) ([]int, error) {
	var buf [128]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, buf[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return out, err
		}
		for i := 0; i < n; i++ {
			fd := int(buf[i].Fd)
			if fd == p.wakefd {
				p.drainWake()
				continue
			}
			out = append(out, fd)
		}
		return out, nil
	}
}

func (p *platformPoller) drainWake() {
	var b [8]byte
	for {
		if _, err := unix.Read(p.wakefd, b[:]); err != nil {
			return
		}
	}
}

// poke unblocks a pending wait.
func (p *platformPoller) poke() {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, _ = unix.Write(p.wakefd, b[:]) //nolint:errcheck
}

func (p *platformPoller) close() {
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
