package handler

import (
	"strings"

	"github.com/hitoshi/relaydash/internal/model"
)

// navigationItem はサイドバーのナビゲーション項目の定義。
type navigationItem struct {
	Label string
	Path  string
	Roles []string // いずれかのロールを持つユーザーに表示する
}

var navigationItems = []navigationItem{
	{Label: "Home", Path: "/", Roles: []string{model.RoleUser, model.RoleAdmin}},
	{Label: "Dashboard", Path: "/dashboard", Roles: []string{model.RoleAdmin}},
}

// NavLink はテンプレートに渡す表示用のナビゲーションリンク。
type NavLink struct {
	Label  string
	Path   string
	Active bool
}

// sidebarLinks はユーザーのロールで絞り込んだナビゲーションリンクを返す。
// 未認証の場合は空を返す。
func sidebarLinks(user *model.SessionUser, currentPath string) []NavLink {
	if user == nil {
		return nil
	}
	var links []NavLink
	for _, item := range navigationItems {
		if !user.HasAnyRole(item.Roles...) {
			continue
		}
		links = append(links, NavLink{
			Label:  item.Label,
			Path:   item.Path,
			Active: isActivePath(item.Path, currentPath),
		})
	}
	return links
}

// isActivePath は "/" のみ完全一致、それ以外は前方一致で判定する。
func isActivePath(itemPath, currentPath string) bool {
	if itemPath == "/" {
		return currentPath == "/"
	}
	return strings.HasPrefix(currentPath, itemPath)
}
