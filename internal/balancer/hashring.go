package balancer

import (
	"hash/crc32"
	"sort"
	"strconv"

	"github.com/hewenyu/service-registry/internal/core/model"
)

// hashRing 一致性哈希环，每个实例放置replicas个虚拟节点
type hashRing struct {
	signature string
	hashes    []uint32
	owners    map[uint32]string
}

func newHashRing(candidates []*model.ServiceInstance, replicas int, signature string) *hashRing {
	if replicas <= 0 {
		replicas = 150
	}

	r := &hashRing{
		signature: signature,
		hashes:    make([]uint32, 0, len(candidates)*replicas),
		owners:    make(map[uint32]string, len(candidates)*replicas),
	}
	for _, inst := range candidates {
		for i := 0; i < replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(inst.ID + "#" + strconv.Itoa(i)))
			// 哈希冲突时保留先放置的节点
			if _, ok := r.owners[h]; ok {
				continue
			}
			r.owners[h] = inst.ID
			r.hashes = append(r.hashes, h)
		}
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
	return r
}

// lookup 返回顺时针方向第一个虚拟节点所属的实例ID
func (r *hashRing) lookup(key string) string {
	if len(r.hashes) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.hashes), func(i int) bool {
		return r.hashes[i] >= h
	})
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.owners[r.hashes[idx]]
}
