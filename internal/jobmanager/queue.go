package jobmanager

import "github.com/ChuLiYu/numgate/pkg/types"

// queueItem pending heap 中的一個節點
type queueItem struct {
	id       types.JobID
	priority int
	seq      uint64
	index    int // heap.Interface 維護
}

// pendingQueue 實作 container/heap.Interface
// 排序：priority 高者優先，priority 相同時 seq 小者（先插入）優先
type pendingQueue []*queueItem

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}
