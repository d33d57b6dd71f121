package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/bitfantasy/nimo-pm/internal/pm/repository"
)

// MemoryMilestones 内存版里程碑仓库，语义与 repository.MilestoneRepository 一致
type MemoryMilestones struct {
	mu    sync.Mutex
	items map[string]entity.Milestone
	// Err 非 nil 时所有写操作返回该错误
	Err error
	// BeforeUpdate 在版本比较前调用，可用来模拟并发写入
	BeforeUpdate func(id string)
	// Updates 成功写入次数
	Updates int
}

func NewMemoryMilestones() *MemoryMilestones {
	return &MemoryMilestones{items: map[string]entity.Milestone{}}
}

func (s *MemoryMilestones) FindByID(_ context.Context, id string) (*entity.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok || m.IsDeleted {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (s *MemoryMilestones) Create(_ context.Context, m *entity.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	if m.Version == 0 {
		m.Version = 1
	}
	s.items[m.ID] = *m
	return nil
}

func (s *MemoryMilestones) Update(_ context.Context, m *entity.Milestone, expectedVersion int) error {
	if s.BeforeUpdate != nil {
		s.BeforeUpdate(m.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	cur, ok := s.items[m.ID]
	if !ok || cur.IsDeleted || cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = time.Now()
	s.items[m.ID] = *m
	s.Updates++
	return nil
}

func (s *MemoryMilestones) SoftDelete(_ context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok || m.IsDeleted {
		return repository.ErrNotFound
	}
	t := at
	m.IsDeleted = true
	m.DeletedAt = &t
	m.DeletedBy = by
	m.Version++
	s.items[id] = m
	return nil
}

func (s *MemoryMilestones) ListByProject(_ context.Context, projectID string) ([]entity.Milestone, error) {
	return s.list(func(m entity.Milestone) bool { return m.ProjectID == projectID }), nil
}

func (s *MemoryMilestones) ListByPhase(_ context.Context, phaseID string) ([]entity.Milestone, error) {
	return s.list(func(m entity.Milestone) bool { return m.PhaseID != nil && *m.PhaseID == phaseID }), nil
}

func (s *MemoryMilestones) list(match func(entity.Milestone) bool) []entity.Milestone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entity.Milestone{}
	for _, m := range s.items {
		if !m.IsDeleted && match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Put 直接写入，绕过服务层，用于准备数据
func (s *MemoryMilestones) Put(m entity.Milestone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[m.ID] = m
}

// Modify 模拟其他请求抢先写入：修改后版本号加一
func (s *MemoryMilestones) Modify(id string, fn func(m *entity.Milestone)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.items[id]; ok {
		fn(&m)
		m.Version++
		s.items[id] = m
	}
}

// MemoryPhases 内存版阶段仓库
type MemoryPhases struct {
	mu    sync.Mutex
	items map[string]entity.Phase
	// BeforeUpdate 在版本比较前调用
	BeforeUpdate func(id string)
	// Updates 成功写入次数
	Updates int
}

func NewMemoryPhases() *MemoryPhases {
	return &MemoryPhases{items: map[string]entity.Phase{}}
}

func (s *MemoryPhases) FindByID(_ context.Context, id string) (*entity.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok || p.IsDeleted {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (s *MemoryPhases) Create(_ context.Context, p *entity.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Version == 0 {
		p.Version = 1
	}
	s.items[p.ID] = *p
	return nil
}

func (s *MemoryPhases) Update(_ context.Context, p *entity.Phase, expectedVersion int) error {
	if s.BeforeUpdate != nil {
		s.BeforeUpdate(p.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[p.ID]
	if !ok || cur.IsDeleted || cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now()
	s.items[p.ID] = *p
	s.Updates++
	return nil
}

func (s *MemoryPhases) ListByProject(_ context.Context, projectID string) ([]entity.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entity.Phase{}
	for _, p := range s.items {
		if p.ProjectID == projectID && !p.IsDeleted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Put 直接写入
func (s *MemoryPhases) Put(p entity.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.ID] = p
}

// Modify 模拟其他请求抢先写入：修改后版本号加一
func (s *MemoryPhases) Modify(id string, fn func(p *entity.Phase)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.items[id]; ok {
		fn(&p)
		p.Version++
		s.items[id] = p
	}
}

// MemoryApprovals 内存版审批仓库，Update 按版本号比较交换
type MemoryApprovals struct {
	mu    sync.Mutex
	items map[string]*entity.MilestoneApproval
	// BeforeUpdate 在版本比较前调用，可用来模拟并发写入或注入错误
	BeforeUpdate func(id string) error
	// Updates 成功写入次数
	Updates int
}

func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{items: map[string]*entity.MilestoneApproval{}}
}

func (s *MemoryApprovals) FindByID(_ context.Context, id string) (*entity.MilestoneApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryApprovals) FindActiveByMilestone(_ context.Context, milestoneID string) (*entity.MilestoneApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *entity.MilestoneApproval
	for _, a := range s.items {
		if a.MilestoneID == milestoneID && a.IsActive {
			if found == nil || a.SubmittedAt.After(found.SubmittedAt) {
				found = a
			}
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found.Clone(), nil
}

func (s *MemoryApprovals) CreateActive(_ context.Context, a *entity.MilestoneApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.items {
		if c.MilestoneID == a.MilestoneID && c.IsActive && !c.OverallStatus.Terminal() {
			return repository.ErrActiveExists
		}
	}
	for _, c := range s.items {
		if c.MilestoneID == a.MilestoneID && c.IsActive {
			c.IsActive = false
			c.Version++
		}
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.items[a.ID] = a.Clone()
	return nil
}

func (s *MemoryApprovals) Update(_ context.Context, a *entity.MilestoneApproval, expectedVersion int) error {
	if s.BeforeUpdate != nil {
		if err := s.BeforeUpdate(a.ID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[a.ID]
	if !ok || cur.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	a.Version = expectedVersion + 1
	a.UpdatedAt = time.Now()
	a.MilestoneSynced = cur.MilestoneSynced
	s.items[a.ID] = a.Clone()
	s.Updates++
	return nil
}

func (s *MemoryApprovals) MarkMilestoneSynced(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.MilestoneSynced = true
	return nil
}

func (s *MemoryApprovals) ListOpenForUser(_ context.Context, userID string, roles []string) ([]entity.MilestoneApproval, error) {
	return s.list(func(a *entity.MilestoneApproval) bool {
		if !a.IsActive || a.OverallStatus.Terminal() {
			return false
		}
		stage := a.Current()
		if stage == nil {
			return false
		}
		for _, v := range stage.Votes {
			if v.UserID == userID && v.Status == entity.VotePending {
				return true
			}
		}
		for _, r := range roles {
			if stage.RequiresRole(r) {
				return true
			}
		}
		return false
	}), nil
}

func (s *MemoryApprovals) ListUnsynced(_ context.Context) ([]entity.MilestoneApproval, error) {
	return s.list(func(a *entity.MilestoneApproval) bool {
		return a.OverallStatus == entity.OverallApproved && !a.MilestoneSynced
	}), nil
}

func (s *MemoryApprovals) list(match func(*entity.MilestoneApproval) bool) []entity.MilestoneApproval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []entity.MilestoneApproval{}
	for _, a := range s.items {
		if match(a) {
			out = append(out, *a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Bump 模拟其他请求抢先写入：版本号加一
func (s *MemoryApprovals) Bump(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.items[id]; ok {
		a.Version++
	}
}

// MemoryDirectory 内存版用户角色目录
type MemoryDirectory struct {
	mu     sync.RWMutex
	roles  map[string][]string
	feishu map[string]string
	// Err 非 nil 时 HasRole 返回该错误
	Err error
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{roles: map[string][]string{}, feishu: map[string]string{}}
}

// Grant 授予角色
func (d *MemoryDirectory) Grant(userID string, roles ...string) *MemoryDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[userID] = append(d.roles[userID], roles...)
	return d
}

// SetFeishuID 绑定飞书用户
func (d *MemoryDirectory) SetFeishuID(userID, feishuID string) *MemoryDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feishu[userID] = feishuID
	return d
}

func (d *MemoryDirectory) HasRole(_ context.Context, userID, role string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.Err != nil {
		return false, d.Err
	}
	for _, r := range d.roles[userID] {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

func (d *MemoryDirectory) UserIDsWithRoles(_ context.Context, roles []string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	want := map[string]bool{}
	for _, r := range roles {
		want[r] = true
	}
	var out []string
	for uid, held := range d.roles {
		for _, r := range held {
			if want[r] {
				out = append(out, uid)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryDirectory) FeishuUserIDs(_ context.Context, userIDs []string) (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := map[string]string{}
	for _, uid := range userIDs {
		if fid, ok := d.feishu[uid]; ok {
			out[uid] = fid
		}
	}
	return out, nil
}
