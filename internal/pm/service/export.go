package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-pm/internal/pm/entity"
	"github.com/xuri/excelize/v2"
)

var pendingExportHeaders = []string{
	"序号", "里程碑", "项目ID", "当前节点", "所需角色", "整体状态",
	"发起人", "提交时间", "截止时间", "提交说明",
}

// exportPendingApprovals 待审批列表导出为 xlsx
func exportPendingApprovals(list []entity.MilestoneApproval, now time.Time) (*excelize.File, string, error) {
	f := excelize.NewFile()
	sheet := "待审批"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		f.Close()
		return nil, "", fmt.Errorf("set sheet name: %w", err)
	}

	// 表头样式: 加粗
	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	for i, h := range pendingExportHeaders {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	// 逾期行标红
	overdueStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "C00000"},
	})

	for idx, a := range list {
		row := idx + 2
		roles := ""
		if s := a.Current(); s != nil {
			roles = strings.Join(s.RequiredRoles, ",")
		}
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), idx+1)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), a.MilestoneTitle)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), a.ProjectID)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), a.CurrentStage)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), roles)
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), string(a.OverallStatus))
		f.SetCellValue(sheet, fmt.Sprintf("G%d", row), a.SubmittedBy)
		f.SetCellValue(sheet, fmt.Sprintf("H%d", row), a.SubmittedAt.Format("2006-01-02 15:04"))
		if a.CompletionDeadline != nil {
			f.SetCellValue(sheet, fmt.Sprintf("I%d", row), a.CompletionDeadline.Format("2006-01-02"))
			if a.CompletionDeadline.Before(now) {
				f.SetCellStyle(sheet, fmt.Sprintf("A%d", row), fmt.Sprintf("J%d", row), overdueStyle)
			}
		}
		f.SetCellValue(sheet, fmt.Sprintf("J%d", row), a.SubmissionComments)
	}

	colWidths := []float64{6, 24, 14, 16, 18, 10, 14, 18, 12, 30}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}

	filename := fmt.Sprintf("待审批_%s.xlsx", now.Format("20060102"))
	return f, filename, nil
}
