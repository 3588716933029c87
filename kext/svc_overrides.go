package kext

import (
	"fmt"

	"github.com/apex/log"
)

// Info types the extension answers itself. Anything else goes to the
// official implementation.
const (
	SYSTEMINFO_TYPE_CFW = 0x10000

	SYSTEMINFO_CFW_MAGIC                 = 0
	SYSTEMINFO_CFW_VERSION               = 1
	SYSTEMINFO_CFW_COMMIT                = 2
	SYSTEMINFO_CFW_CONFIG_FORMAT_VERSION = 3
	SYSTEMINFO_CFW_HBLDR_TITLE_ID        = 0x100
	SYSTEMINFO_CFW_CONFIG                = 0x101
	SYSTEMINFO_CFW_MULTI_CONFIG          = 0x102
	SYSTEMINFO_CFW_BOOT_CONFIG           = 0x103
	SYSTEMINFO_CFW_IS_RELEASE            = 0x200
	SYSTEMINFO_CFW_IS_N3DS               = 0x201
	SYSTEMINFO_CFW_IS_SAFEMODE           = 0x202
	SYSTEMINFO_CFW_IS_SDMODE             = 0x203

	PROCESSINFO_NAME     = 0x10000
	PROCESSINFO_TITLE_ID = 0x10001

	THREADINFO_TLS = 0x10000

	KERNELSTATE_PAUSE_OTHER_PROCESSES = 0x10000
)

// svcGetSystemInfo: r1 type, r2 parameter. The 64-bit value comes back in
// r1 and r2.
func (k *Kernel) svcGetSystemInfo(core int, regs *Regs) error {
	if regs[1] != SYSTEMINFO_TYPE_CFW {
		return k.callOfficial(SVC_GET_SYSTEM_INFO, regs)
	}
	v, res := k.cfwInfo(regs[2])
	setResult(regs, res)
	regs[1] = uint32(v)
	regs[2] = uint32(v >> 32)
	return nil
}

func (k *Kernel) cfwInfo(param uint32) (uint64, Result) {
	info := &k.params.CfwInfo
	b := func(v bool) uint64 {
		if v {
			return 1
		}
		return 0
	}
	switch param {
	case SYSTEMINFO_CFW_MAGIC:
		return uint64(info.Magic[0]) | uint64(info.Magic[1])<<8 |
			uint64(info.Magic[2])<<16 | uint64(info.Magic[3])<<24, RESULT_SUCCESS
	case SYSTEMINFO_CFW_VERSION:
		return uint64(info.VersionMajor)<<24 | uint64(info.VersionMinor)<<16 |
			uint64(info.VersionBuild)<<8, RESULT_SUCCESS
	case SYSTEMINFO_CFW_COMMIT:
		return uint64(info.CommitHash), RESULT_SUCCESS
	case SYSTEMINFO_CFW_CONFIG_FORMAT_VERSION:
		return uint64(info.ConfigFormatVersion), RESULT_SUCCESS
	case SYSTEMINFO_CFW_HBLDR_TITLE_ID:
		return info.HbldrTitleID, RESULT_SUCCESS
	case SYSTEMINFO_CFW_CONFIG:
		return uint64(info.Config), RESULT_SUCCESS
	case SYSTEMINFO_CFW_MULTI_CONFIG:
		return uint64(info.MultiConfig), RESULT_SUCCESS
	case SYSTEMINFO_CFW_BOOT_CONFIG:
		return uint64(info.BootConfig), RESULT_SUCCESS
	case SYSTEMINFO_CFW_IS_RELEASE:
		return b(info.IsRelease()), RESULT_SUCCESS
	case SYSTEMINFO_CFW_IS_N3DS:
		return b(info.IsN3DS()), RESULT_SUCCESS
	case SYSTEMINFO_CFW_IS_SAFEMODE:
		return b(info.Flags&CFW_FLAG_SAFEMODE != 0), RESULT_SUCCESS
	case SYSTEMINFO_CFW_IS_SDMODE:
		return b(info.Flags&CFW_FLAG_SDMODE != 0), RESULT_SUCCESS
	}
	return 0, RESULT_INVALID_ENUM_VALUE
}

// svcGetProcessInfo: r1 process, r2 type. The value comes back in r1 and
// r2.
func (k *Kernel) svcGetProcessInfo(core int, regs *Regs) (err error) {
	typ := regs[2]
	if typ != PROCESSINFO_NAME && typ != PROCESSINFO_TITLE_ID {
		return k.callOfficial(SVC_GET_PROCESS_INFO, regs)
	}
	proc, err := k.acquireProcess(core, regs[1])
	if err != nil {
		return err
	}
	if proc == 0 {
		setResult(regs, RESULT_INVALID_HANDLE)
		return nil
	}
	defer k.release(KAutoObject(proc), &err)

	var v uint64
	if typ == PROCESSINFO_NAME {
		var name [8]byte
		copy(name[:], proc.Name(k))
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(name[i])
		}
	} else {
		v = proc.TitleID(k)
	}
	setResult(regs, RESULT_SUCCESS)
	regs[1] = uint32(v)
	regs[2] = uint32(v >> 32)
	return nil
}

// svcGetThreadInfo: r1 thread, r2 type.
func (k *Kernel) svcGetThreadInfo(core int, regs *Regs) (err error) {
	if regs[2] != THREADINFO_TLS {
		return k.callOfficial(SVC_GET_THREAD_INFO, regs)
	}
	obj, err := k.acquireObject(core, regs[1])
	if err != nil {
		return err
	}
	if obj == 0 {
		setResult(regs, RESULT_INVALID_HANDLE)
		return nil
	}
	defer k.release(obj, &err)
	setResult(regs, RESULT_SUCCESS)
	regs[1] = KThread(obj).TLS(k)
	regs[2] = 0
	return nil
}

// svcConnectToPort: r1 port name. The session handle comes back in r1 and
// its service is remembered for ControlService.
func (k *Kernel) svcConnectToPort(core int, regs *Regs) (err error) {
	name, nerr := ReadCString(k.mem, regs[1], _SERVICE_NAME_MAX)
	if err = k.callOfficial(SVC_CONNECT_TO_PORT, regs); err != nil {
		return err
	}
	if nerr != nil || Result(regs[0]).IsFailure() {
		return nil
	}
	obj, err := k.acquireObject(core, regs[1])
	if err != nil || obj == 0 {
		return err
	}
	defer k.release(obj, &err)
	k.sessions.record(obj, name)
	log.WithFields(log.Fields{"core": core, "port": name}).Debug("session opened")
	return nil
}

// svcBreak: r0 reason. The reason is logged before the kernel handles it.
func (k *Kernel) svcBreak(core int, regs *Regs) error {
	proc := k.currentProcess(core)
	entry := log.WithFields(log.Fields{"core": core, "reason": fmt.Sprintf("%#x", regs[0])})
	if proc != 0 {
		entry = entry.WithField("process", proc.Name(k))
	}
	entry.Warn("svcBreak")
	return k.callOfficial(SVC_BREAK, regs)
}

// svcKernelSetState: r0 type, r1 parameter. The extension type pauses,
// when r1 is non-zero, or resumes every thread not owned by the calling
// process.
func (k *Kernel) svcKernelSetState(core int, regs *Regs) error {
	if regs[0] != KERNELSTATE_PAUSE_OTHER_PROCESSES {
		return k.callOfficial(SVC_KERNEL_SET_STATE, regs)
	}
	if err := k.PauseOtherProcesses(core, regs[1] != 0); err != nil {
		return err
	}
	setResult(regs, RESULT_SUCCESS)
	return nil
}

// PauseOtherProcesses locks or unlocks the threads of every process but
// the one running on core and waits for the other cores to reschedule.
func (k *Kernel) PauseOtherProcesses(core int, pause bool) error {
	cur := k.currentProcess(core)
	pred := func(t KThread) bool { return t.OwnerProcess(k) != cur }
	var err error
	if pause {
		err = k.LockThreads(core, pred)
	} else {
		err = k.UnlockThreads(core, pred)
	}
	if err != nil {
		return err
	}
	others := allCores(k.layout.NumCores()) &^ (CoreMask(1) << core)
	if others == 0 {
		return nil
	}
	return k.signalReschedule(core, others, true)
}
