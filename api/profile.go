package api

import (
	"strings"

	"github.com/pkg/errors"
)

// Profile 一组低延迟调优参数，值类型，不可变
type Profile struct {
	Name     string `yaml:"name"`
	NoDelay  bool   `yaml:"nodelay"`
	Interval int    `yaml:"interval"` // 毫秒
	Resend   int    `yaml:"resend"`   // 快速重传阈值，0关闭
	NoCwnd   bool   `yaml:"nc"`       // 关闭拥塞控制
	SndWnd   int    `yaml:"snd-wnd"`
	RcvWnd   int    `yaml:"rcv-wnd"`
}

// 预置档位
var (
	ProfileNormal = Profile{Name: "normal", NoDelay: false, Interval: 40, Resend: 2, NoCwnd: false, SndWnd: 32, RcvWnd: 128}
	ProfileFast   = Profile{Name: "fast", NoDelay: true, Interval: 30, Resend: 2, NoCwnd: true, SndWnd: 128, RcvWnd: 128}
	ProfileFast2  = Profile{Name: "fast2", NoDelay: true, Interval: 20, Resend: 2, NoCwnd: true, SndWnd: 256, RcvWnd: 256}
	ProfileFast3  = Profile{Name: "fast3", NoDelay: true, Interval: 10, Resend: 2, NoCwnd: true, SndWnd: 512, RcvWnd: 512}
)

// Profiles 返回全部预置档位
func Profiles() []Profile {
	return []Profile{ProfileNormal, ProfileFast, ProfileFast2, ProfileFast3}
}

// LookupProfile 按名称查找档位，空名称返回normal
func LookupProfile(name string) (Profile, error) {
	if name == "" {
		return ProfileNormal, nil
	}
	for _, p := range Profiles() {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return Profile{}, errors.Errorf("unknown profile %q", name)
}
