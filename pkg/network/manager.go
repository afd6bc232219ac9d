// 提供网络接口信息查询，用于按出口网卡推算会话的数据报MTU
package network

import (
	"net"
	"sync"

	"github.com/junbin-yang/uarq-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// 报文头开销
const (
	ipv4Header = 20
	ipv6Header = 40
	udpHeader  = 8

	// 单个UDP数据报的载荷上限
	maxDatagramV4 = 65535 - ipv4Header - udpHeader
	maxDatagramV6 = 65535 - udpHeader
)

// InterfaceInfo 表示网络接口的详细信息
type InterfaceInfo struct {
	Name      string    // 接口名称（如eth0、lo等）
	Index     int       // 接口索引
	Flags     net.Flags // 接口标志
	Addresses []net.IP  // 接口关联的IP地址列表
	MTU       int       // 接口的最大传输单元
}

// Manager 网络接口快照
type Manager struct {
	mu sync.RWMutex

	interfaces map[string]*InterfaceInfo
	log        *logger.Logger
}

// NewManager 创建管理器并扫描一次接口
func NewManager() (*Manager, error) {
	m := &Manager{
		interfaces: make(map[string]*InterfaceInfo),
		log:        logger.Default().Named("network"),
	}
	if err := m.Refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

// Refresh 重新扫描所有网络接口
func (m *Manager) Refresh() error {
	interfaces, err := net.Interfaces()
	if err != nil {
		return errors.Wrap(err, "list interfaces")
	}

	scanned := make(map[string]*InterfaceInfo, len(interfaces))
	for _, iface := range interfaces {
		info := &InterfaceInfo{
			Name:  iface.Name,
			Index: iface.Index,
			Flags: iface.Flags,
			MTU:   iface.MTU,
		}

		addrs, err := iface.Addrs()
		if err != nil {
			m.log.Warn("get interface addresses failed",
				logger.String("interface", iface.Name),
				logger.Err(err))
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				info.Addresses = append(info.Addresses, v.IP)
			case *net.IPAddr:
				info.Addresses = append(info.Addresses, v.IP)
			}
		}
		scanned[iface.Name] = info
	}

	m.mu.Lock()
	m.interfaces = scanned
	m.mu.Unlock()

	m.log.Debug("interfaces scanned", logger.Int("count", len(scanned)))
	return nil
}

// InterfaceByIP 查找持有ip的接口
func (m *Manager) InterfaceByIP(ip net.IP) (*InterfaceInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, iface := range m.interfaces {
		for _, addr := range iface.Addresses {
			if addr.Equal(ip) {
				copy := *iface
				return &copy, nil
			}
		}
	}
	return nil, errors.Errorf("no interface holds %s", ip)
}

// IsLocalIP 判断IP是否为本地IP
func (m *Manager) IsLocalIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	_, err := m.InterfaceByIP(ip)
	return err == nil
}

// DatagramMTU 接口MTU扣除IP与UDP头后可用于单个数据报的字节数，不超过UDP载荷上限
func DatagramMTU(ifaceMTU int, ipv6 bool) int {
	overhead, limit := ipv4Header+udpHeader, maxDatagramV4
	if ipv6 {
		overhead, limit = ipv6Header+udpHeader, maxDatagramV6
	}
	if mtu := ifaceMTU - overhead; mtu < limit {
		return mtu
	}
	return limit
}

// PathMTU 推算发往remote的数据报MTU：取路由选出的本地地址所在接口的MTU
// 不发送任何数据
func (m *Manager) PathMTU(remote *net.UDPAddr) (int, error) {
	if m.IsLocalIP(remote.IP) {
		// 发往本机的数据报走回环，只受UDP载荷上限约束
		mtu := DatagramMTU(1<<16, remote.IP.To4() == nil)
		m.log.Debug("path mtu (local)", logger.String("remote", remote.String()), logger.Int("mtu", mtu))
		return mtu, nil
	}
	c, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return 0, errors.Wrapf(err, "route to %s", remote)
	}
	local := c.LocalAddr().(*net.UDPAddr)
	c.Close()

	iface, err := m.InterfaceByIP(local.IP)
	if err != nil {
		return 0, err
	}
	mtu := DatagramMTU(iface.MTU, local.IP.To4() == nil)
	m.log.Debug("path mtu",
		logger.String("remote", remote.String()),
		logger.String("interface", iface.Name),
		logger.Int("mtu", mtu))
	return mtu, nil
}
